package feed

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
)

// ipProtoProgram accepts IPv4 frames on Ethernet carrying proto, as printed
// by `tcpdump -ddd ip proto N`.
func ipProtoProgram(proto int) string {
	return fmt.Sprintf("6\n40 0 0 12\n21 0 3 2048\n48 0 0 23\n21 0 1 %d\n6 0 0 65535\n6 0 0 0\n", proto)
}

func TestParseBPF(t *testing.T) {
	raw, err := ParseBPF(ipProtoProgram(6))
	require.NoError(t, err)
	require.Len(t, raw, 6)
	assert.Equal(t, bpf.RawInstruction{Op: 0x28, K: 12}, raw[0])
	assert.Equal(t, bpf.RawInstruction{Op: 0x15, Jf: 3, K: 0x800}, raw[1])
	assert.Equal(t, bpf.RawInstruction{Op: 0x06, K: 65535}, raw[4])

	comma, err := ParseBPF("6,40 0 0 12,21 0 3 2048,48 0 0 23,21 0 1 6,6 0 0 65535,6 0 0 0")
	require.NoError(t, err)
	assert.Equal(t, raw, comma)

	raw, err = ParseBPF("  \n")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestParseBPF_Errors(t *testing.T) {
	for name, text := range map[string]string{
		"count":       "x\n6 0 0 0",
		"mismatch":    "2\n6 0 0 0",
		"fields":      "1\n6 0 0",
		"jump range":  "1\n21 0 300 1",
		"not numeric": "1\n6 a 0 0",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBPF(text)
			assert.Error(t, err)
		})
	}
}

func TestRead_Filter(t *testing.T) {
	data := writePcap(t, exchange(t))

	tcpOnly, err := ParseBPF(ipProtoProgram(6))
	require.NoError(t, err)
	packets, info, err := Read(bytes.NewReader(data), Options{Filter: tcpOnly})
	require.NoError(t, err)
	assert.Len(t, packets, 4)
	assert.Equal(t, 0, info.Filtered)

	udpOnly, err := ParseBPF(ipProtoProgram(17))
	require.NoError(t, err)
	packets, info, err = Read(bytes.NewReader(data), Options{Filter: udpOnly})
	require.NoError(t, err)
	assert.Empty(t, packets)
	assert.Equal(t, 4, info.Frames)
	assert.Equal(t, 4, info.Filtered)
}

func TestRead_InvalidFilter(t *testing.T) {
	// A jump past the end of the program.
	raw := []bpf.RawInstruction{{Op: 0x15, Jt: 5, K: 1}, {Op: 0x06, K: 0}}
	_, _, err := Read(bytes.NewReader(writePcap(t, exchange(t))), Options{Filter: raw})
	assert.Error(t, err)
}
