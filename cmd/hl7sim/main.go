// hl7sim sends MLLP-framed HL7 v2 messages to a running pipeline and prints
// the acknowledgements. Useful for exercising the wire protocol end to end
// without a real ordering system.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"
)

const (
	startByte = 0x0B
	endByte   = 0x1C
	crByte    = 0x0D
)

func main() {
	addr := flag.String("addr", "localhost:2575", "pipeline MLLP address")
	file := flag.String("file", "", "send this HL7 file instead of a generated message")
	count := flag.Int("count", 1, "number of messages to send")
	interval := flag.Duration("interval", 0, "pause between messages")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for i := 0; i < *count; i++ {
		var msg []byte
		if *file != "" {
			raw, err := os.ReadFile(*file)
			if err != nil {
				fmt.Fprintf(os.Stderr, "read file: %v\n", err)
				os.Exit(1)
			}
			msg = normalize(raw)
		} else {
			msg = []byte(generateMessage(i + 1))
		}

		if err := writeFrame(conn, msg); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			os.Exit(1)
		}
		ack, err := readFrame(reader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read ack: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("message %d ack: %s\n", i+1, ack)

		if *interval > 0 && i+1 < *count {
			time.Sleep(*interval)
		}
	}
}

func writeFrame(conn net.Conn, payload []byte) error {
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, startByte)
	frame = append(frame, payload...)
	frame = append(frame, endByte, crByte)
	_, err := conn.Write(frame)
	return err
}

func readFrame(r *bufio.Reader) (string, error) {
	data, err := r.ReadBytes(endByte)
	if err != nil {
		return "", err
	}
	// trailing CR after FS
	if b, err := r.ReadByte(); err == nil && b != crByte {
		_ = r.UnreadByte()
	}
	data = bytes.TrimPrefix(data, []byte{startByte})
	data = bytes.TrimSuffix(data, []byte{endByte})
	return string(bytes.TrimRight(data, "\r")), nil
}

// normalize converts file line endings to the CR segment separator.
func normalize(raw []byte) []byte {
	s := strings.ReplaceAll(string(raw), "\r\n", "\r")
	s = strings.ReplaceAll(s, "\n", "\r")
	return []byte(strings.TrimRight(s, "\r"))
}

var procedures = []struct{ ops, text, icd, icdText string }{
	{"5-470", "Appendektomie", "K35.8", "Akute Appendizitis"},
	{"5-511", "Cholezystektomie", "K80.0", "Gallenblasenstein mit akuter Cholezystitis"},
	{"5-820", "Implantation Endoprothese Hueftgelenk", "M16.1", "Koxarthrose"},
}

// generateMessage builds a minimal surgery order with plausible content.
func generateMessage(n int) string {
	now := time.Now()
	start := now.Add(24 * time.Hour)
	end := start.Add(90 * time.Minute)
	proc := procedures[rand.Intn(len(procedures))]
	patientID := fmt.Sprintf("%06d", rand.Intn(1000000))

	segments := []string{
		fmt.Sprintf("MSH|^~\\&|OP_SYSTEM|HOSPITAL|PMS|HOSPITAL|%s||OMG^O19|MSG%06d|P|2.9",
			now.Format("20060102150405"), n),
		fmt.Sprintf("PID|1||%s^^^HOSPITAL||Muster^Max^^^^||19700101|M", patientID),
		"PV1|1|I|OP^^^",
		fmt.Sprintf("ORC|NW|OP-%d-%05d||||||%s", now.Year(), rand.Intn(100000), now.Format("200601021504")),
		fmt.Sprintf("TQ1|1||||||%s|%s", start.Format("200601021504"), end.Format("200601021504")),
		fmt.Sprintf("OBR|1|||%s^%s^OPS", proc.ops, proc.text),
		fmt.Sprintf("DG1|1|I|%s^%s^ICD-10-GM||||F", proc.icd, proc.icdText),
	}
	return strings.Join(segments, "\r")
}
