package errs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverableOnlyOutOfSpaceAndCacheCleared(t *testing.T) {
	assert.True(t, Recoverable(&OutOfCodeSpaceError{Requested: 8, Available: 4}))
	assert.True(t, Recoverable(&CacheClearedError{RIP: 0x1000}))

	assert.False(t, Recoverable(&UnsupportedOpError{Op: "vadd"}))
	assert.False(t, Recoverable(&GuestFaultError{Kind: GuestFaultSegv}))
	assert.False(t, Recoverable(&HostBugError{Detail: "assertion failed"}))
}

func TestErrorMessagesIncludeKeyFields(t *testing.T) {
	e := &UnsupportedOpError{RIP: 0x401000, Op: "vadd", Size: 16}
	assert.Contains(t, e.Error(), "vadd")
	assert.Contains(t, e.Error(), "401000")
}
