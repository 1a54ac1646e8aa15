package validate

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Validator accumulates problems so that one pass reports all of them.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Check records the message when ok is false.
func (v *Validator) Check(ok bool, format string, args ...interface{}) {
	if !ok {
		v.AddError(format, args...)
	}
}

// Err joins the collected messages under sentinel, or returns nil.
func (v *Validator) Err(sentinel error) error {
	if !v.HasErrors() {
		return nil
	}
	return fmt.Errorf("%w:\n%s", sentinel, strings.Join(v.errors, "\n"))
}

// ListenAddr checks a host:port listen address. An empty host binds all
// interfaces.
func (v *Validator) ListenAddr(field, addr string) {
	if addr == "" {
		v.AddError("%s cannot be empty", field)
		return
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		v.AddError("%s must be host:port: %v", field, err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !IsValidHostname(host) {
			v.AddError("invalid hostname in %s: %s", field, host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || !IsValidPort(port) {
		v.AddError("invalid port in %s: %s", field, portStr)
	}
}

// Host checks a bare hostname or IP address.
func (v *Validator) Host(field, host string) {
	if strings.TrimSpace(host) == "" {
		v.AddError("%s cannot be empty", field)
		return
	}
	if net.ParseIP(host) == nil && !IsValidHostname(host) {
		v.AddError("invalid hostname in %s: %s", field, host)
	}
}

var hostLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)

func IsValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func IsValidPort(port int) bool { return port >= 1 && port <= 65535 }

func IsValidFilePath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00")
}

func IsAlphanumericWithDashes(s string) bool {
	if s == "" {
		return false
	}
	return alnumDash.MatchString(s)
}

var alnumDash = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
