package archive

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coffer-backup/coffer/cerrors"
)

// ResolvePlaceholders substitutes brace-syntax placeholders in name,
// per spec.md §4.7: "Placeholders in archive names (hostname, fqdn,
// reverse-fqdn, now, utcnow, user, pid, version components) are
// substituted at create time using a brace syntax with {{ / }}
// escapes." A literal "{{" or "}}" in the input produces a literal "{"
// or "}" in the output, matching that escape convention.
func ResolvePlaceholders(name string, now time.Time) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(name) {
		switch {
		case strings.HasPrefix(name[i:], "{{"):
			out.WriteByte('{')
			i += 2
		case strings.HasPrefix(name[i:], "}}"):
			out.WriteByte('}')
			i += 2
		case name[i] == '{':
			end := strings.IndexByte(name[i:], '}')
			if end < 0 {
				return "", cerrors.New(cerrors.User, "unterminated placeholder in archive name")
			}
			key := name[i+1 : i+end]
			val, err := placeholderValue(key, now)
			if err != nil {
				return "", err
			}
			out.WriteString(val)
			i += end + 1
		default:
			out.WriteByte(name[i])
			i++
		}
	}
	return out.String(), nil
}

func placeholderValue(key string, now time.Time) (string, error) {
	switch key {
	case "hostname":
		h, err := os.Hostname()
		if err != nil {
			return "", cerrors.Wrap(cerrors.Transient, err, "resolve hostname placeholder")
		}
		return h, nil
	case "fqdn":
		return fqdn(), nil
	case "reverse-fqdn":
		return reverseFQDN(fqdn()), nil
	case "now":
		return now.Format("2006-01-02T15:04:05"), nil
	case "utcnow":
		return now.UTC().Format("2006-01-02T15:04:05"), nil
	case "user":
		return currentUsername(), nil
	case "pid":
		return strconv.Itoa(os.Getpid()), nil
	case "version":
		return moduleVersion, nil
	default:
		return "", cerrors.New(cerrors.User, "unrecognised archive name placeholder: "+key)
	}
}

// moduleVersion stands in for spec.md §4.7's "version components"
// placeholder; a real release process would stamp this at build time.
const moduleVersion = "0.1.0"

func fqdn() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	addrs, err := net.LookupHost(h)
	if err != nil || len(addrs) == 0 {
		return h
	}
	names, err := net.LookupAddr(addrs[0])
	if err != nil || len(names) == 0 {
		return h
	}
	return strings.TrimSuffix(names[0], ".")
}

func reverseFQDN(fq string) string {
	parts := strings.Split(fq, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}
