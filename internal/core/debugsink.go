package core

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/FEX-Emu/FEX-sub010/internal/emitter"
)

// disasmSink is the emitter.DebugSink NewThreadDispatcher installs when
// RuntimeConfig.Disassemble is set. It decodes a just-emitted block's raw
// bytes one instruction at a time with golang.org/x/arch and logs each
// mnemonic at Debug, grounded on the same decode-loop-until-exhausted shape
// as asm.DisasmX86_64 (obj/internal/asm/x86.go in the retrieved pack): walk
// the byte slice, decode one instruction, advance by its length, and fall
// back to stepping a single byte on a decode failure so one malformed
// instruction never wedges the whole dump.
type disasmSink struct {
	isa string
	log *logrus.Logger
}

func newDisasmSink(isa string, log *logrus.Logger) emitter.DebugSink {
	return &disasmSink{isa: isa, log: log}
}

func (s *disasmSink) EmittedBlock(hdr emitter.BlockHeader, code []byte) {
	entry := s.log.WithField("trailerBackOffset", hdr.BackOffsetToTrailer)
	switch s.isa {
	case "arm64":
		s.disasmARM64(entry, code)
	default:
		s.disasmAMD64(entry, code)
	}
}

func (s *disasmSink) disasmAMD64(entry *logrus.Entry, code []byte) {
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			entry.WithField("offset", off).Debug("<bad instruction>")
			off++
			continue
		}
		entry.WithField("offset", off).Debug(x86asm.GNUSyntax(inst, 0, nil))
		off += inst.Len
	}
}

func (s *disasmSink) disasmARM64(entry *logrus.Entry, code []byte) {
	for off := 0; off+4 <= len(code); off += 4 {
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			entry.WithField("offset", off).Debug("<bad instruction>")
			continue
		}
		entry.WithField("offset", off).Debug(arm64asm.GNUSyntax(inst))
	}
}
