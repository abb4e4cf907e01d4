package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleStack = `goroutine 1 [running]:
runtime/debug.Stack()
	/usr/local/go/src/runtime/debug/stack.go:24 +0x5e
github.com/twitter/grid/common/log/hooks.contextHook.Fire(...)
	/src/github.com/twitter/grid/common/log/hooks/context_hook.go:24 +0x25
github.com/sirupsen/logrus.(*Entry).fireHooks(...)
	/go/pkg/mod/github.com/sirupsen/logrus@v1.9.3/entry.go:280 +0x1bd
github.com/sirupsen/logrus.(*Logger).Infof(...)
	/go/pkg/mod/github.com/sirupsen/logrus@v1.9.3/logger.go:161 +0x4f
github.com/twitter/grid/distributor/server.(*NodeRegistry).Add(...)
	/src/github.com/twitter/grid/distributor/server/node_registry.go:88 +0x1f`

func TestCallerFromStack(t *testing.T) {
	assert.Equal(t, "distributor/server/node_registry.go:88", callerFromStack(sampleStack))
	assert.Equal(t, "", callerFromStack("goroutine 1 [running]:"))
}
