package classify

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Report holds the counts of an offline classification run.
type Report struct {
	Total   int
	Matched int
	Missed  int
	Failed  int
}

func (r Report) String() string {
	return fmt.Sprintf("Processed %d, matched %d, missed %d, failed to parse %d lines.",
		r.Total, r.Matched, r.Missed, r.Failed)
}

// SelfTest runs every line of in through the parser and rules of src and
// writes the summary to out. With printMatched, abusive lines are echoed with
// a [MATCHED] tag; with printMissed, benign lines are echoed as [MISSED] and
// unparsable ones as [FAILED TO PARSE].
func SelfTest(src Source, in io.Reader, out io.Writer, printMatched, printMissed bool) (Report, error) {
	var rep Report

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rep.Total++

		ev, err := src.Parse(line)
		if err != nil {
			rep.Failed++
			if printMissed {
				fmt.Fprintf(out, "[FAILED TO PARSE] %s\n", line)
			}
			continue
		}

		if ev != nil && src.IsAbusive(ev) {
			rep.Matched++
			if printMatched {
				fmt.Fprintf(out, "[MATCHED] %s\n", line)
			}
			continue
		}

		rep.Missed++
		if printMissed {
			fmt.Fprintf(out, "[MISSED] %s\n", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return rep, errors.Wrap(err, "failed to read input")
	}

	fmt.Fprintf(out, "\n%s\n", rep)
	return rep, nil
}
