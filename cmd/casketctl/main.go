package main

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	"github.com/casketlabs/casketd/internal/wire"
)

const defaultSocketPath = "/tmp/service_manager.sock"

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".casketctl_history")
}

func main() {
	socketPath := defaultSocketPath
	if len(os.Args) > 1 {
		socketPath = os.Args[1]
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "casketctl: connect %s: %v\n", socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		runBatch(conn, os.Stdin)
		return
	}

	runInteractive(conn)
}

// runBatch reads "command [args]" lines from r (e.g. a pipe), parsed
// as parseLine does, and
// prints each response, for scripted use.
func runBatch(conn net.Conn, r io.Reader) {
	scannerLines(r, func(line string) {
		cmd, args := parseLine(line)
		if cmd == "" {
			return
		}
		resp, err := roundTrip(conn, cmd, args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "casketctl: %v\n", err)
			return
		}
		printResponse(cmd, resp)
	})
}

func runInteractive(conn net.Conn) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := historyFilePath()
	if histPath != "" {
		if f, err := os.Open(histPath); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	fmt.Println("Connected to ServiceManager")
	fmt.Println(`Type a command ("ping", "echo <text>", "math <op> <a> <b>", "quit")`)

	for {
		input, err := line.Prompt("casketctl> ")
		if err != nil {
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == "quit" || input == "exit" {
			break
		}

		cmd, args := parseLine(input)
		resp, err := roundTrip(conn, cmd, args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		printResponse(cmd, resp)
	}

	if histPath != "" {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}
}

// parseLine splits a line into a command name and its raw argument
// bytes. "echo hello world" sends "hello world" as args; "math + 1 2"
// packs the three math tokens into the <op><a:f64><b:f64> layout the
// math handler expects.
func parseLine(line string) (string, []byte) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	cmd := fields[0]
	rest := fields[1:]

	switch cmd {
	case "math":
		if len(rest) != 3 {
			return cmd, nil
		}
		return cmd, encodeMathArgs(rest[0], rest[1], rest[2])
	default:
		return cmd, []byte(strings.Join(rest, " "))
	}
}

func encodeMathArgs(op, aStr, bStr string) []byte {
	var a, b float64
	fmt.Sscanf(aStr, "%g", &a)
	fmt.Sscanf(bStr, "%g", &b)

	out := make([]byte, 17)
	out[0] = op[0]
	binary.LittleEndian.PutUint64(out[1:9], math.Float64bits(a))
	binary.LittleEndian.PutUint64(out[9:17], math.Float64bits(b))
	return out
}

func roundTrip(conn net.Conn, cmd string, args []byte) ([]byte, error) {
	packet, err := wire.EncodeRequest(cmd, args)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(packet); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	var header [wire.LengthPrefixSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > wire.MaxPayload {
		return nil, errors.New("response exceeds max frame size")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("read response payload: %w", err)
	}
	return payload, nil
}

func printResponse(cmd string, resp []byte) {
	switch cmd {
	case "math":
		if len(resp) == 8 {
			fmt.Printf("result: %g\n", math.Float64frombits(binary.LittleEndian.Uint64(resp)))
			return
		}
	}

	if isPrintable(resp) {
		fmt.Printf("%s\n", resp)
		return
	}
	fmt.Println(hex.EncodeToString(resp))
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x09 || (c > 0x0d && c < 0x20) || c > 0x7e {
			return false
		}
	}
	return true
}

func scannerLines(r io.Reader, fn func(string)) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := indexByte(buf, '\n')
				if idx < 0 {
					break
				}
				fn(string(buf[:idx]))
				buf = buf[idx+1:]
			}
		}
		if err != nil {
			if len(buf) > 0 {
				fn(string(buf))
			}
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
