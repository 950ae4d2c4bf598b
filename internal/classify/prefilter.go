package classify

import (
	"golang.org/x/net/bpf"

	"firestige.xyz/lossmon/internal/core"
)

const (
	etherTypeIPv4 = 0x0800
	ipProtoUDP    = 17
	bpfAccept     = 0xFFFF
)

// prefilter mirrors the first checks of the kernel video filter (IPv4, UDP,
// first fragment, port window) as a classic BPF program evaluated in
// userspace, so obviously foreign Ethernet frames skip the full decode.
// Non-IPv4 ethertypes (VLAN tags, ...) are passed through to the decoder.
type prefilter struct {
	vm *bpf.VM
}

func newPrefilter(ports core.PortRange) (*prefilter, error) {
	start, end := uint32(ports.Start), uint32(ports.End)
	prog := []bpf.Instruction{
		/* 0 */ bpf.LoadAbsolute{Off: 12, Size: 2},
		/* 1 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipFalse: 12},
		/* 2 */ bpf.LoadAbsolute{Off: 23, Size: 1},
		/* 3 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipProtoUDP, SkipFalse: 11},
		/* 4 */ bpf.LoadAbsolute{Off: 20, Size: 2},
		/* 5 */ bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1FFF, SkipTrue: 9},
		/* 6 */ bpf.LoadMemShift{Off: 14},
		/* 7 */ bpf.LoadIndirect{Off: 16, Size: 2}, // dst port
		/* 8 */ bpf.JumpIf{Cond: bpf.JumpLessThan, Val: start, SkipTrue: 2},
		/* 9 */ bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: end, SkipTrue: 1},
		/* 10 */ bpf.RetConstant{Val: bpfAccept},
		/* 11 */ bpf.LoadIndirect{Off: 14, Size: 2}, // src port
		/* 12 */ bpf.JumpIf{Cond: bpf.JumpLessThan, Val: start, SkipTrue: 2},
		/* 13 */ bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: end, SkipTrue: 1},
		/* 14 */ bpf.RetConstant{Val: bpfAccept},
		/* 15 */ bpf.RetConstant{Val: 0},
	}

	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, err
	}
	return &prefilter{vm: vm}, nil
}

func (p *prefilter) accept(frame []byte) bool {
	n, err := p.vm.Run(frame)
	return err == nil && n > 0
}
