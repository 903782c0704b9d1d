package directory

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// conn serves one client connection. Requests are handled in order.
type conn struct {
	server *Server
	nc     net.Conn
	ctx    context.Context

	// boundDN is "" while anonymous.
	boundDN string

	closeOnce sync.Once
}

func newConn(s *Server, nc net.Conn) *conn {
	id := uuid.NewString()
	ctx := tflog.SubsystemSetField(s.ctx, Subsystem, "connection_id", id)
	ctx = tflog.SubsystemSetField(ctx, Subsystem, "remote_address", nc.RemoteAddr().String())

	return &conn{server: s, nc: nc, ctx: ctx}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.nc.Close()
	})
}

func (c *conn) serve() {
	defer c.close()

	tflog.SubsystemDebug(c.ctx, Subsystem, "Client connected")

	reader := bufio.NewReader(c.nc)
	for {
		packet, err := ber.ReadPacket(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				tflog.SubsystemDebug(c.ctx, Subsystem, "Failed to read request", map[string]any{"error": err.Error()})
			}
			break
		}

		req, err := decodeRequest(packet)
		if err != nil {
			tflog.SubsystemWarn(c.ctx, Subsystem, "Dropping connection after malformed request", map[string]any{"error": err.Error()})
			break
		}

		if req.op.Tag == ldap.ApplicationUnbindRequest {
			c.record(req, 0, time.Now())
			break
		}

		if err := c.handle(req); err != nil {
			tflog.SubsystemDebug(c.ctx, Subsystem, "Failed to write response", map[string]any{"error": err.Error()})
			break
		}
	}

	tflog.SubsystemDebug(c.ctx, Subsystem, "Client disconnected")
}

func (c *conn) write(messageID int64, op *ber.Packet) error {
	_, err := c.nc.Write(envelope(messageID, op).Bytes())
	return err
}

// record logs a handled request and updates the operation metrics.
func (c *conn) record(req *request, code uint16, start time.Time) {
	elapsed := time.Since(start)
	name := req.name()

	c.server.metrics.Operations.WithLabelValues(name, strconv.Itoa(int(code))).Inc()
	c.server.metrics.OperationDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	fields := map[string]any{
		"operation":   name,
		"message_id":  req.messageID,
		"result_code": code,
		"duration_ms": elapsed.Milliseconds(),
	}
	if code != ldap.LDAPResultSuccess && code != ldap.LDAPResultCompareTrue && code != ldap.LDAPResultCompareFalse {
		fields["result"] = ldap.LDAPResultCodeMap[code]
	}
	tflog.SubsystemDebug(c.ctx, Subsystem, "Handled request", fields)
}

// resultFromError maps err to an LDAPResult triple.
func resultFromError(err error) (code uint16, matchedDN, message string) {
	if err == nil {
		return ldap.LDAPResultSuccess, "", ""
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		message = err.Error()
		if ldapErr.Err != nil {
			message = ldapErr.Err.Error()
		}
		return ldapErr.ResultCode, ldapErr.MatchedDN, message
	}

	return ldap.LDAPResultOther, "", err.Error()
}
