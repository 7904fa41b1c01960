package keyexpr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"sensor/temperature", false},
		{"service/echo", false},
		{"single", false},
		{"Case/Sensitive", false},
		{"", true},
		{"/leading", true},
		{"trailing/", true},
		{"double//slash", true},
		{"sensor/*", true},
		{"sensor/**", true},
		{"a/b*c", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			topic, err := ParseTopic(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTopic))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, topic.String())
		})
	}
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"sensor/**", false},
		{"**", false},
		{"a/*/c", false},
		{"*", false},
		{"a/**/c", false},
		{"service/echo", false},
		{"", true},
		{"a//b", true},
		{"a/**/**", true},
		{"**/a/**", true},
		{"a/b*", true},
		{"a/***", true},
		{"/a", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			p, err := ParsePattern(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedPattern))
				var pe *ParseError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, tt.input, pe.Input)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, p.String())
		})
	}
}

func TestTopic_Navigation(t *testing.T) {
	topic := MustTopic("sensor/room/temperature")

	assert.Equal(t, []string{"sensor", "room", "temperature"}, topic.Segments())
	assert.Equal(t, 3, topic.SegmentCount())
	assert.Equal(t, "sensor/room", topic.Parent().String())
	assert.Equal(t, "temperature", topic.Base())
	assert.True(t, topic.HasPrefix(MustTopic("sensor")))
	assert.True(t, topic.HasPrefix(MustTopic("sensor/room")))
	assert.False(t, topic.HasPrefix(MustTopic("sens")))
	assert.True(t, topic.HasPrefix(Topic{}))

	child, err := topic.Child("celsius")
	require.NoError(t, err)
	assert.Equal(t, "sensor/room/temperature/celsius", child.String())

	_, err = topic.Child("*")
	assert.ErrorIs(t, err, ErrInvalidTopic)

	assert.True(t, MustTopic("single").Parent().IsEmpty())
	assert.Equal(t, 0, Topic{}.SegmentCount())
	assert.Nil(t, Topic{}.Segments())
}

func TestJoin(t *testing.T) {
	topic, err := Join("service", "convert")
	require.NoError(t, err)
	assert.Equal(t, "service/convert", topic.String())

	_, err = Join("service", "")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestPattern_Literal(t *testing.T) {
	p := MustPattern("service/echo")
	assert.True(t, p.IsLiteral())
	topic, ok := p.Literal()
	require.True(t, ok)
	assert.Equal(t, "service/echo", topic.String())

	for _, s := range []string{"service/*", "service/**"} {
		p := MustPattern(s)
		assert.False(t, p.IsLiteral(), s)
		_, ok := p.Literal()
		assert.False(t, ok, s)
	}

	assert.True(t, MustPattern("a/**").HasMultiWildcard())
	assert.False(t, MustPattern("a/*").HasMultiWildcard())
	assert.True(t, Pattern{}.IsZero())
}

func TestMustPanics(t *testing.T) {
	assert.Panics(t, func() { MustTopic("a/*") })
	assert.Panics(t, func() { MustPattern("a//b") })
}
