package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeOpers(t *testing.T, dir string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	return writeFile(t, dir, "opers.yml", fmt.Sprintf(`opers:
  - name: admin
    password: "%s"
  - name: local
    password: "%s"
    hosts:
      - "*@127.0.0.1"
`, hash, hash))
}

func baseConfig(opersFile string, overrides map[string]string) string {
	values := map[string]string{
		"listen-host":     "127.0.0.1",
		"listen-port":     "6667",
		"server-name":     "irc.example.com",
		"server-info":     "Example",
		"version":         "catbox-1.0",
		"created-date":    "2026-01-01",
		"motd":            "Hello there",
		"max-nick-length": "9",
		"wakeup-time":     "10s",
		"ping-time":       "30s",
		"dead-time":       "240s",
		"opers-config":    opersFile,
	}
	for k, v := range overrides {
		if v == "" {
			delete(values, k)
			continue
		}
		values[k] = v
	}

	var b strings.Builder
	b.WriteString("# catbox\n")
	for k, v := range values {
		fmt.Fprintf(&b, "%s = %s\n", k, v)
	}
	return b.String()
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	opers := writeOpers(t, dir)
	file := writeFile(t, dir, "catbox.conf", baseConfig(opers, map[string]string{
		"server-password":   "letmein",
		"flood-burst":       "5",
		"queue-parallelism": "2",
	}))

	c, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6667", c.Addr())
	assert.Equal(t, "irc.example.com", c.ServerName)
	assert.Equal(t, 9, c.MaxNickLength)
	assert.Equal(t, 30*time.Second, c.PingTime)
	assert.Equal(t, 240*time.Second, c.DeadTime)
	assert.Equal(t, "letmein", c.ServerPassword)
	assert.Equal(t, 5, c.FloodBurst)
	assert.Equal(t, 5.0, c.FloodRate)
	assert.Equal(t, 2, c.QueueParallelism)
	assert.Equal(t, 256, c.QueueDepth)
	assert.Equal(t, 4, c.EventWorkers)
	assert.False(t, c.TLS())
	assert.Len(t, c.Opers, 2)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]string
	}{
		{"missing key", map[string]string{"server-name": ""}},
		{"bad nick length", map[string]string{"max-nick-length": "x"}},
		{"zero nick length", map[string]string{"max-nick-length": "0"}},
		{"bad duration", map[string]string{"ping-time": "soon"}},
		{"half tls", map[string]string{"tls-cert": "cert.pem"}},
		{"bad optional", map[string]string{"flood-rate": "-1"}},
		{"missing opers file", map[string]string{"opers-config": "/nonexistent/opers.yml"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dir := t.TempDir()
			content := baseConfig(writeOpers(t, dir), test.overrides)

			_, err := Load(writeFile(t, dir, "catbox.conf", content))
			assert.Error(t, err)
		})
	}
}

func TestLoadOpersRejectsPlaintext(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "opers.yml", "opers:\n  - name: a\n    password: plain\n")

	_, err := LoadOpers(file)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	dir := t.TempDir()
	opers, err := LoadOpers(writeOpers(t, dir))
	require.NoError(t, err)
	c := &Config{Opers: opers}

	tests := []struct {
		name     string
		oper     string
		password string
		userHost string
		want     bool
	}{
		{"good", "admin", "hunter2", "~me@example.com", true},
		{"bad password", "admin", "hunter3", "~me@example.com", false},
		{"unknown oper", "root", "hunter2", "~me@example.com", false},
		{"host allowed", "local", "hunter2", "~me@127.0.0.1", true},
		{"host refused", "local", "hunter2", "~me@10.0.0.1", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			o, ok := c.Authenticate(test.oper, test.password, test.userHost)
			assert.Equal(t, test.want, ok)
			if test.want {
				assert.Equal(t, test.oper, o.Name)
			}
		})
	}
}
