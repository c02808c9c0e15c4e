package dispatch

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// RegisterExampleHandlers wires the starter command set: ping, echo,
// math, stats, info, and upper. cmd/casketd registers these by
// default; library callers that want a clean registry can build a
// Manager and call RegisterHandler themselves instead.
func RegisterExampleHandlers(m *Manager) {
	m.RegisterHandler("ping", PingHandler)
	m.RegisterHandler("echo", EchoHandler)
	m.RegisterHandler("math", MathHandler)
	m.RegisterHandler("stats", StatsHandler)
	m.RegisterHandler("info", InfoHandler)
	m.RegisterHandler("upper", UpperHandler)
}

// PingHandler always answers "pong".
func PingHandler(args []byte, response *[]byte) {
	*response = []byte("pong")
}

// EchoHandler returns args unchanged.
func EchoHandler(args []byte, response *[]byte) {
	*response = append([]byte(nil), args...)
}

// mathRequestSize is 1 operation byte plus two little-endian
// float64 operands.
const mathRequestSize = 1 + 8 + 8

// MathHandler applies a binary arithmetic operator to two
// little-endian float64 operands and returns the float64 result,
// also little-endian. Division by zero yields 0 rather than an error.
func MathHandler(args []byte, response *[]byte) {
	if len(args) < mathRequestSize {
		*response = []byte("ERROR: Invalid math request format")
		return
	}

	operation := args[0]
	a := math.Float64frombits(binary.LittleEndian.Uint64(args[1:9]))
	b := math.Float64frombits(binary.LittleEndian.Uint64(args[9:17]))

	var result float64
	switch operation {
	case '+':
		result = a + b
	case '-':
		result = a - b
	case '*':
		result = a * b
	case '/':
		if b != 0 {
			result = a / b
		} else {
			result = 0
		}
	default:
		*response = []byte("ERROR: Unknown operation")
		return
	}

	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, math.Float64bits(result))
	*response = out
}

// StatsHandler treats args as a byte sample and reports its sum,
// mean, min, and max.
func StatsHandler(args []byte, response *[]byte) {
	if len(args) == 0 {
		*response = []byte("ERROR: No data provided")
		return
	}

	var sum float64
	min, max := args[0], args[0]
	for _, b := range args {
		sum += float64(b)
		if b < min {
			min = b
		}
		if b > max {
			max = b
		}
	}
	mean := sum / float64(len(args))

	*response = []byte(fmt.Sprintf("Sum: %g, Mean: %g, Min: %d, Max: %d", sum, mean, min, max))
}

// InfoHandler returns a fixed banner naming the server, its protocol,
// and the starter command set. It does not read the live handler
// registry, so handlers registered later are not listed.
func InfoHandler(args []byte, response *[]byte) {
	*response = []byte("casketd\n" +
		"Protocol: binary\n" +
		"Supported commands: ping, echo, math, stats, upper, info")
}

// UpperHandler returns args uppercased.
func UpperHandler(args []byte, response *[]byte) {
	*response = []byte(strings.ToUpper(string(args)))
}
