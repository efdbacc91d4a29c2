package emitter_test

import (
	"testing"

	"github.com/ggoodman/rpc-server-go/emitter"
	"github.com/ggoodman/rpc-server-go/emitter/emittertest"
)

func TestEmitterBus(t *testing.T) {
	emittertest.RunBusTests(t, func(t *testing.T) emitter.Bus[int] {
		e := emitter.New[int]()
		t.Cleanup(e.Close)
		return e
	})
}
