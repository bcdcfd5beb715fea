package bg_test

import (
	"testing"

	"github.com/pocket/hexagon/identityplane/internal/bg"
	"github.com/stretchr/testify/assert"
)

func TestSync_RunsBeforeReturning(t *testing.T) {
	ran := false
	bg.Sync{}.Do(func() { ran = true })
	assert.True(t, ran)
}

func TestAsync_RunsEventually(t *testing.T) {
	done := make(chan struct{})
	bg.Async{}.Do(func() { close(done) })
	<-done
}
