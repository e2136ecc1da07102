package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForService_LayersAndIdentity(t *testing.T) {
	e := NewWithBase([]string{"PATH=/bin", "PORT=1", "SERVICE_NAME=spoofed"})
	e.SetAll([]string{"PORT=2", "HOST=0.0.0.0", "bogus", "=x"})

	got := e.ForService("stream-server", []string{"PORT=3001", "URL=http://${HOST}:${PORT}"})
	assert.Equal(t, []string{
		"HOST=0.0.0.0",
		"PATH=/bin",
		"PORT=3001",
		"SERVICE_NAME=stream-server",
		"URL=http://0.0.0.0:3001",
	}, got)
}

func TestParse_SkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "B", "=2", "C=x=y"})
	assert.Equal(t, Vars{"A": "1", "C": "x=y"}, m)
}

func FuzzForService(f *testing.F) {
	f.Add("A=1", "B=${A}-x")
	f.Add("X=$Y", "Y=${X}")
	f.Fuzz(func(t *testing.T, global, per string) {
		e := NewWithBase(nil)
		e.SetAll([]string{global})
		out := e.ForService("svc", []string{per})
		found := false
		for _, kv := range out {
			if kv == ServiceNameKey+"=svc" {
				found = true
			}
		}
		if !found {
			t.Fatalf("identity missing from %v", out)
		}
	})
}
