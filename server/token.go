package server

import (
	"bufio"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// A TokenDecoder validates and decodes the API tokens passed to the server.
// An unknown token decodes to the user "" with RoleUnknown. An error is
// returned only if the lookup itself failed.
type TokenDecoder interface {
	TokenDecode(token string) (user string, role Role, err error)
}

// Role is what a token may do. Each role includes the ones before it.
type Role int

const (
	RoleUnknown Role = iota
	RoleRead         // read documents and diagnostics
	RoleWrite        // write documents, drop cached content
	RoleAdmin        // manage stored handles and their permissions
)

func atoRole(s string) Role {
	switch strings.ToLower(s) {
	case "read":
		return RoleRead
	case "write":
		return RoleWrite
	case "admin":
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

// NewNobodyDecoder creates a TokenDecoder that for every possible token
// returns a user named "nobody" with the Admin role.
func NewNobodyDecoder() TokenDecoder {
	return nobodyDecoder{}
}

type nobodyDecoder struct{}

func (nobodyDecoder) TokenDecode(token string) (string, Role, error) {
	return "nobody", RoleAdmin, nil
}

// NewListDecoder reads a fixed list of users from r. Each line has the form
//
//	<user name>  <role>  <token>
//
// with the fields separated by whitespace. The role is one of "Read",
// "Write" or "Admin" (case insensitive). Empty lines and lines beginning
// with a hash '#' are skipped.
func NewListDecoder(r io.Reader) (TokenDecoder, error) {
	users := make(listDecoder)
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		pieces := strings.Fields(scanner.Text())
		if len(pieces) == 0 || pieces[0][0] == '#' {
			continue
		}
		if len(pieces) != 3 {
			log.WithField("line", lineno).Warn("token list: expected 3 columns")
			continue
		}
		users[pieces[2]] = userEntry{user: pieces[0], role: atoRole(pieces[1])}
	}
	return users, scanner.Err()
}

// NewListDecoderFile reads the users for a ListDecoder from the file fname.
func NewListDecoderFile(fname string) (TokenDecoder, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewListDecoder(f)
}

// NewListDecoderString is NewListDecoder reading from a string.
func NewListDecoderString(data string) (TokenDecoder, error) {
	return NewListDecoder(strings.NewReader(data))
}

type userEntry struct {
	user string
	role Role
}

// listDecoder maps tokens to users.
type listDecoder map[string]userEntry

func (ld listDecoder) TokenDecode(token string) (string, Role, error) {
	if token == "" {
		return "", RoleUnknown, nil
	}
	u, ok := ld[token]
	if !ok {
		return "", RoleUnknown, nil
	}
	return u.user, u.role, nil
}
