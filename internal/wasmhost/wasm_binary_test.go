package wasmhost

// Hand-built minimal WASM binaries, in the style of
// _examples/other_examples's wazero-driven middleware tests: since no
// Go-to-WASM toolchain runs in this environment, guest modules are
// assembled byte-by-byte straight from the binary format instead of
// compiled from source. The module built here exports a bump-allocator
// canonical_abi_realloc and a process-record that forwards its value
// bytes to the imported s3-sink.write, optionally trapping first so the
// Guest Host's per-record isolation can be exercised against a real
// wazero instantiation.

import "bytes"

const (
	valtypeI32 = 0x7f
	valtypeI64 = 0x7e
)

func leb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb128(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func section(id byte, content []byte) []byte {
	var b bytes.Buffer
	b.WriteByte(id)
	b.Write(leb128(uint32(len(content))))
	b.Write(content)
	return b.Bytes()
}

func vec(items [][]byte) []byte {
	var b bytes.Buffer
	b.Write(leb128(uint32(len(items))))
	for _, item := range items {
		b.Write(item)
	}
	return b.Bytes()
}

func funcType(params, results []byte) []byte {
	var b bytes.Buffer
	b.WriteByte(0x60)
	b.Write(leb128(uint32(len(params))))
	b.Write(params)
	b.Write(leb128(uint32(len(results))))
	b.Write(results)
	return b.Bytes()
}

func importEntry(module, name string, typeIdx byte) []byte {
	var b bytes.Buffer
	b.Write(leb128(uint32(len(module))))
	b.WriteString(module)
	b.Write(leb128(uint32(len(name))))
	b.WriteString(name)
	b.WriteByte(0x00) // func import
	b.WriteByte(typeIdx)
	return b.Bytes()
}

func exportEntry(name string, kind, idx byte) []byte {
	var b bytes.Buffer
	b.Write(leb128(uint32(len(name))))
	b.WriteString(name)
	b.WriteByte(kind)
	b.WriteByte(idx)
	return b.Bytes()
}

func code(body []byte) []byte {
	full := append([]byte{0x00}, body...) // 0 local declarations
	var b bytes.Buffer
	b.Write(leb128(uint32(len(full))))
	b.Write(full)
	return b.Bytes()
}

// buildGuestModule assembles the test guest described above. When
// trapOnPartition99 is true, process-record executes `unreachable`
// whenever called with partition == 99, otherwise it always forwards
// (partition, val_ptr, val_len) to s3-sink.write and returns its result.
func buildGuestModule(trapOnPartition99 bool) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}) // magic + version 1

	reallocParams := []byte{valtypeI32, valtypeI32, valtypeI32, valtypeI32}
	reallocResults := []byte{valtypeI32}

	processParams := []byte{
		valtypeI32, valtypeI32, valtypeI32, // key disc/ptr/len
		valtypeI32, valtypeI32, valtypeI32, // value disc/ptr/len
		valtypeI32, valtypeI32, // headers ptr/len
		valtypeI32, valtypeI32, // topic ptr/len
		valtypeI32, // partition
		valtypeI64, // offset
		valtypeI64, // timestamp
	}
	processResults := []byte{valtypeI32}

	sinkWriteParams := []byte{valtypeI32, valtypeI32, valtypeI32}
	sinkWriteResults := []byte{valtypeI32}

	types := vec([][]byte{
		funcType(reallocParams, reallocResults),       // type 0
		funcType(processParams, processResults),       // type 1
		funcType(sinkWriteParams, sinkWriteResults),   // type 2
	})
	b.Write(section(1, types))

	imports := vec([][]byte{
		importEntry("s3-sink", "write", 2), // func idx 0
	})
	b.Write(section(2, imports))

	funcs := vec([][]byte{{0x00}, {0x01}}) // func idx 1: type0 (realloc), func idx 2: type1 (process-record)
	b.Write(section(3, funcs))

	b.Write(section(5, []byte{0x01, 0x00, 0x01})) // 1 memory, min 1 page

	globalInit := append([]byte{0x41}, sleb128(1024)...)
	globalInit = append(globalInit, 0x0b)
	globalEntry := append([]byte{valtypeI32, 0x01}, globalInit...)
	b.Write(section(6, vec([][]byte{globalEntry})))

	exports := vec([][]byte{
		exportEntry("memory", 0x02, 0),
		exportEntry("canonical_abi_realloc", 0x00, 1),
		exportEntry("process-record", 0x00, 2),
	})
	b.Write(section(7, exports))

	reallocBody := []byte{
		0x23, 0x00, // global.get 0          -> [old]
		0x23, 0x00, // global.get 0          -> [old, old]
		0x20, 0x03, // local.get 3 (newSize) -> [old, old, newSize]
		0x6a,       // i32.add               -> [old, old+newSize]
		0x24, 0x00, // global.set 0          -> [old]
		0x0b, // end
	}

	var processBody bytes.Buffer
	if trapOnPartition99 {
		processBody.Write([]byte{
			0x20, 0x0a, // local.get 10 (partition)
		})
		processBody.WriteByte(0x41) // i32.const 99
		processBody.Write(sleb128(99))
		processBody.Write([]byte{
			0x46,       // i32.eq
			0x04, 0x40, // if (empty blocktype)
			0x00, // unreachable
			0x0b, // end if
		})
	}
	processBody.Write([]byte{
		0x20, 0x0a, // local.get 10 (partition)
		0x20, 0x04, // local.get 4 (val_ptr)
		0x20, 0x05, // local.get 5 (val_len)
		0x10, 0x00, // call func 0 (s3-sink.write)
		0x0b, // end
	})

	b.Write(section(10, vec([][]byte{code(reallocBody), code(processBody.Bytes())})))

	return b.Bytes()
}
