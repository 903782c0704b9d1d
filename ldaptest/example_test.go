package ldaptest_test

import (
	"fmt"
	"log"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/embedded-ldap/ldaptest"
)

func ExampleFixture_Wrap() {
	fixture, err := ldaptest.NewBuilder().
		ImportingLDIFs("base.ldif", "groups.ldif").
		Build()
	if err != nil {
		log.Fatal(err)
	}

	run := fixture.Wrap(func() error {
		conn, err := fixture.Connection()
		if err != nil {
			return err
		}

		result, err := conn.Search(ldap.NewSearchRequest(
			"ou=groups,dc=example,dc=com", ldap.ScopeSingleLevel, ldap.NeverDerefAliases,
			0, 0, false, "(objectClass=groupOfNames)", []string{"cn", "member"}, nil,
		))
		if err != nil {
			return err
		}

		for _, entry := range result.Entries {
			fmt.Println(entry.GetAttributeValue("cn"), entry.GetAttributeValues("member"))
		}
		return nil
	})

	if err := run(); err != nil {
		log.Fatal(err)
	}

	_, err = fixture.Connection()
	fmt.Println(err)

	// Output:
	// testers [uid=alice,ou=people,dc=example,dc=com]
	// cannot open connection: embedded directory has not been started
}
