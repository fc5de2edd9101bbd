package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestKVPairSerialization(t *testing.T) {
	testCases := []struct {
		kvpairs  []interface{}
		expected logrus.Fields
	}{
		{
			[]interface{}{"a", 1, "b", "v"},
			logrus.Fields{"a": 1, "b": "v"},
		},
		{
			[]interface{}{"a"},
			logrus.Fields{},
		},
		{
			[]interface{}{"a", 1, "b"},
			logrus.Fields{},
		},
		{
			[]interface{}{1, "a", "b", 2},
			logrus.Fields{"b": 2},
		},
	}

	for i, tc := range testCases {
		actual := serializeKVPairs(tc.kvpairs...)
		require.Equal(t, tc.expected, actual, "test case %d", i)
	}
}

func TestPushPopFields(t *testing.T) {
	l := NewLogrusLogger("test").(*LogrusLogger)
	l.SetField("round", 0)
	l.PushFields()
	l.SetField("round", 1)
	l.SetField("worker", 2)
	require.Equal(t, logrus.Fields{"round": 1, "worker": 2}, l.fields)
	l.PopFields()
	require.Equal(t, logrus.Fields{"round": 0}, l.fields)
	// popping an empty stack leaves fields alone
	l.PopFields()
	require.Equal(t, logrus.Fields{"round": 0}, l.fields)
}

func TestWithDoesNotModifyParent(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, true, true)
	defer Configure(&bytes.Buffer{}, false, false)

	parent := NewLogrusLogger("parent", "a", 1)
	child := parent.With("b", 2)
	child.Info("hello")
	require.Contains(t, buf.String(), `"b":2`)
	require.Contains(t, buf.String(), `"a":1`)

	buf.Reset()
	parent.Debug("again")
	require.NotContains(t, buf.String(), `"b":2`)
	require.Contains(t, buf.String(), `"ctx":"parent"`)
}
