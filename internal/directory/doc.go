// Package directory implements a small in-memory LDAPv3 directory server
// for tests and local development.
//
// A Server is created without a listener so that entries can be
// imported from LDIF before any client connects:
//
//	srv, err := directory.NewServer(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	if _, err := srv.ImportFromLDIF(false, "testdata/users.ldif"); err != nil {
//		return err
//	}
//	if err := srv.StartListening(); err != nil {
//		return err
//	}
//	defer srv.ShutDown(true)
//
// The server answers simple bind, search, add, delete, modify, modify DN,
// compare and the Who Am I? and password modify extended operations.
// There is no schema: any attribute is accepted, and only the
// objectClass attribute is required on add. Entries live in a Store
// keyed by normalized DN; every operation returns go-ldap result codes
// as *ldap.Error.
//
// Operations are logged through the "directory" tflog subsystem and
// counted in a per-server Prometheus registry.
package directory
