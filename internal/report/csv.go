package report

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

// WriteCSV writes the header and rows with every field double-quoted and
// inner quotes doubled. Records are separated by "\n" with no trailing
// newline.
func WriteCSV(w io.Writer, columns []string, rows [][]string) error {
	bw := bufio.NewWriter(w)
	writeRecord(bw, columns)
	for _, row := range rows {
		bw.WriteByte('\n')
		writeRecord(bw, row)
	}
	return bw.Flush()
}

func writeRecord(w *bufio.Writer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte(',')
		}
		w.WriteByte('"')
		w.WriteString(strings.ReplaceAll(f, `"`, `""`))
		w.WriteByte('"')
	}
}

// CSV renders r.
func (r Report) CSV() []byte {
	var buf bytes.Buffer
	_ = WriteCSV(&buf, r.Columns(), r.Rows())
	return buf.Bytes()
}

// Filename is the export file name for a mode generated on day.
func Filename(mode ViewMode, day time.Time, ext string) string {
	return fmt.Sprintf("attendance_export_%s_%s.%s", mode, day.Format("2006-01-02"), ext)
}
