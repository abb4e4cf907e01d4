package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCommaSepToMap(t *testing.T) {
	assert.Equal(t, map[string]string{"browserName": "chrome", "platformName": "linux"},
		SplitCommaSepToMap("browserName=chrome, platformName=linux"))
	assert.Equal(t, map[string]string{"a": "b=c"}, SplitCommaSepToMap("a=b=c"))
	assert.Equal(t, map[string]string{"k": ""}, SplitCommaSepToMap("k=,=v,novalue,,"))
	assert.Empty(t, SplitCommaSepToMap(""))
}
