package feed

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"
)

// ParseBPF reads a compiled classic BPF program in the text form printed by
// `tcpdump -ddd` (newline separated) or used by iptables bpf matches (comma
// separated): an instruction count followed by "code jt jf k" lines.
// The program must be compiled for the capture's link type.
func ParseBPF(text string) ([]bpf.RawInstruction, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == ',' || r == ';' })
	var lines []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			lines = append(lines, f)
		}
	}
	if len(lines) == 0 {
		return nil, nil
	}

	count, err := strconv.Atoi(lines[0])
	if err != nil {
		return nil, fmt.Errorf("bpf: invalid instruction count %q", lines[0])
	}
	if count != len(lines)-1 {
		return nil, fmt.Errorf("bpf: header announces %d instructions, found %d", count, len(lines)-1)
	}

	raw := make([]bpf.RawInstruction, 0, count)
	for i, line := range lines[1:] {
		parts := strings.Fields(line)
		if len(parts) != 4 {
			return nil, fmt.Errorf("bpf: instruction %d: want 4 fields, got %q", i, line)
		}
		var vals [4]uint64
		for j, p := range parts {
			bits := 32
			if j == 1 || j == 2 {
				bits = 8
			} else if j == 0 {
				bits = 16
			}
			v, err := strconv.ParseUint(p, 10, bits)
			if err != nil {
				return nil, fmt.Errorf("bpf: instruction %d: %w", i, err)
			}
			vals[j] = v
		}
		raw = append(raw, bpf.RawInstruction{
			Op: uint16(vals[0]),
			Jt: uint8(vals[1]),
			Jf: uint8(vals[2]),
			K:  uint32(vals[3]),
		})
	}
	return raw, nil
}

// newFilter loads raw into a BPF virtual machine. A nil program keeps
// every frame.
func newFilter(raw []bpf.RawInstruction) (*bpf.VM, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("bpf: program contains unknown instructions")
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("bpf: %w", err)
	}
	return vm, nil
}

// accept runs the filter over a link-layer frame.
func accept(vm *bpf.VM, data []byte) bool {
	if vm == nil {
		return true
	}
	n, err := vm.Run(data)
	return err == nil && n > 0
}
