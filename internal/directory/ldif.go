package directory

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldif"
)

// LDIF parsing errors. ErrMissingDN and ErrUnsupportedChange also match
// ErrInvalidLDIF.
var (
	ErrInvalidLDIF       = errors.New("invalid LDIF")
	ErrMissingDN         = fmt.Errorf("%w: record has no dn", ErrInvalidLDIF)
	ErrUnsupportedChange = fmt.Errorf("%w: unsupported changetype", ErrInvalidLDIF)
)

// LDIFError locates a parse failure in its source. Line is zero when the
// failure concerns a whole record rather than a line.
type LDIFError struct {
	Source string
	Line   int
	Err    error
}

func (e *LDIFError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s:%d: %v", e.Source, e.Line, e.Err)
}

func (e *LDIFError) Unwrap() error {
	return e.Err
}

// ReadLDIFFile parses the content records of an LDIF file.
func ReadLDIFFile(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open LDIF file: %w", err)
	}
	defer f.Close()

	return ParseLDIF(f, path)
}

// ParseLDIF parses RFC 2849 content records. "changetype: add" records
// are accepted as content; other change types are rejected.
func ParseLDIF(r io.Reader, source string) ([]*Entry, error) {
	var (
		doc     ldif.LDIF
		entries []*Entry
	)

	for record, err := range ldif.UnmarshalEntries(r, &doc) {
		if err != nil {
			return nil, parseError(source, err)
		}

		entry, err := recordEntry(record)
		if err != nil {
			return nil, &LDIFError{Source: source, Err: err}
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// parseError classifies a failure reported by the LDIF decoder.
func parseError(source string, err error) error {
	var parseErr *ldif.ParseError
	if !errors.As(err, &parseErr) {
		return &LDIFError{Source: source, Err: fmt.Errorf("%w: %v", ErrInvalidLDIF, err)}
	}

	kind := ErrInvalidLDIF
	switch {
	case strings.Contains(parseErr.Message, "'dn:'"):
		kind = ErrMissingDN
	case strings.Contains(parseErr.Message, "changetype"):
		kind = ErrUnsupportedChange
	}

	return &LDIFError{
		Source: source,
		Line:   parseErr.Line,
		Err:    fmt.Errorf("%w: %s", kind, parseErr.Message),
	}
}

// recordEntry converts a content or add record into an Entry.
func recordEntry(record *ldif.Entry) (*Entry, error) {
	var entry *Entry

	switch {
	case record.Entry != nil:
		entry = NewEntry(strings.TrimSpace(record.Entry.DN))
		for _, attr := range record.Entry.Attributes {
			entry.Add(attr.Name, attr.Values...)
		}

	case record.Add != nil:
		entry = NewEntry(strings.TrimSpace(record.Add.DN))
		attrs := slices.SortedFunc(slices.Values(record.Add.Attributes), func(a, b ldap.Attribute) int {
			return strings.Compare(a.Type, b.Type)
		})
		for _, attr := range attrs {
			if strings.EqualFold(attr.Type, "changetype") {
				continue
			}
			entry.Add(attr.Type, attr.Vals...)
		}

	case record.Del != nil:
		return nil, fmt.Errorf("%w: delete of %s", ErrUnsupportedChange, record.Del.DN)
	case record.Modify != nil:
		return nil, fmt.Errorf("%w: modify of %s", ErrUnsupportedChange, record.Modify.DN)
	default:
		return nil, ErrUnsupportedChange
	}

	if entry.DN == "" {
		return nil, ErrMissingDN
	}
	if len(entry.Attributes()) == 0 {
		return nil, fmt.Errorf("%w: record %s has no attributes", ErrInvalidLDIF, entry.DN)
	}
	return entry, nil
}
