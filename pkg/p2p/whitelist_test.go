package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWhitelistEmptyAllowsEveryone(t *testing.T) {
	assert.True(t, NewWhitelist(nil).IsAllowed("10.0.0.1:9999"))

	var nilList *Whitelist
	assert.True(t, nilList.IsAllowed("10.0.0.1:9999"))
}

func TestWhitelistExactMatch(t *testing.T) {
	w := NewWhitelist([]string{"127.0.0.1:58123", "127.0.0.1:58124"})
	assert.True(t, w.IsAllowed("127.0.0.1:58123"))
	assert.False(t, w.IsAllowed("192.168.1.5:58123"))
}

func TestWhitelistHostMatch(t *testing.T) {
	// Accepted connections come from ephemeral ports on a listed host.
	w := NewWhitelist([]string{"127.0.0.1:58123"})
	assert.True(t, w.IsAllowed("127.0.0.1:49152"))
}

func TestWhitelistMalformedAddr(t *testing.T) {
	w := NewWhitelist([]string{"127.0.0.1:58123"})
	assert.False(t, w.IsAllowed("not-an-endpoint"))
}
