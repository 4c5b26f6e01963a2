package dropwatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// yieldCheckInterval is how many parser lines (or diff steps) pass between
// explicit cancellation checks.
const yieldCheckInterval = 100_000

// parserScanBuffer bounds a single zone file line.
const parserScanBuffer = 1 << 20

// ZoneParser extracts the set of unique lowercased SLD labels directly under
// one TLD from a master-file-format zone stream.
//
// Parsing is line-oriented and single-pass: only the owner name (first
// token) of each record is inspected. $ORIGIN directives update the origin
// applied to relative owner names; all other control directives are skipped.
type ZoneParser struct {
	tld    string
	budget int
	tmpDir string

	logger  *slog.Logger
	metrics *Metrics
}

// NewZoneParser builds a parser for one TLD. budget is the unique-label
// count above which deduplication spills to external sort under tmpDir.
func NewZoneParser(tld string, budget int, tmpDir string, logger *slog.Logger, metrics *Metrics) *ZoneParser {
	return &ZoneParser{
		tld:     strings.ToLower(tld),
		budget:  budget,
		tmpDir:  tmpDir,
		logger:  logger,
		metrics: metrics,
	}
}

// Parse consumes the zone stream and returns the materialized label set.
// The caller owns the returned set and must Close it.
func (p *ZoneParser) Parse(ctx context.Context, r io.Reader) (LabelSet, error) {
	builder := newLabelSetBuilder(p.budget, p.tmpDir)
	origin := p.tld + "."

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), parserScanBuffer)

	lines := 0
	for sc.Scan() {
		lines++
		if lines%yieldCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, &OpError{Kind: KindCanceled, Op: "parse", Err: err}
			}
		}

		line := sc.Text()
		if line == "" || line[0] == ';' {
			continue
		}
		// A leading-whitespace record reuses the previous owner name, which
		// has already been recorded.
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}

		if line[0] == '$' {
			newOrigin, err := parseControlLine(line, origin)
			if err != nil {
				return nil, err
			}
			origin = newOrigin
			continue
		}

		owner := firstToken(line)
		if owner == "" {
			continue
		}

		sld, ok := extractSLD(owner, origin, p.tld)
		if !ok {
			continue
		}
		if err := builder.Add(sld); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, &OpError{Kind: KindParser, Op: "parse",
				Err: fmt.Errorf("line %d exceeds %d bytes", lines+1, parserScanBuffer)}
		}
		return nil, &OpError{Kind: classifyIOErr(err), Op: "parse", Err: err}
	}

	set, err := builder.Build()
	if err != nil {
		return nil, err
	}

	p.metrics.AddLabelsParsed(p.tld, set.Len())
	if p.logger != nil {
		p.logger.Debug("zone parsed", "tld", p.tld, "lines", lines, "labels", set.Len())
	}
	return set, nil
}

// parseControlLine handles a $-directive and returns the (possibly updated)
// origin. $TTL and other known directives are ignored; a malformed $ORIGIN
// is structural corruption.
func parseControlLine(line, origin string) (string, error) {
	fields := strings.Fields(line)
	switch strings.ToUpper(fields[0]) {
	case "$ORIGIN":
		if len(fields) < 2 {
			return "", &OpError{Kind: KindParser, Op: "parse",
				Err: fmt.Errorf("$ORIGIN without argument")}
		}
		o := strings.ToLower(fields[1])
		if !strings.HasSuffix(o, ".") {
			o += "."
		}
		return o, nil
	case "$TTL", "$INCLUDE", "$GENERATE":
		return origin, nil
	default:
		return "", &OpError{Kind: KindParser, Op: "parse",
			Err: fmt.Errorf("unknown control directive %q", fields[0])}
	}
}

func firstToken(line string) string {
	end := strings.IndexAny(line, " \t")
	if end < 0 {
		return line
	}
	return line[:end]
}

// extractSLD resolves an owner name against the origin and returns its SLD
// label when the owner is exactly <sld>.<tld>. and the label satisfies the
// DNS label grammar.
func extractSLD(owner, origin, tld string) (string, bool) {
	name := strings.ToLower(owner)
	if name == "@" {
		name = origin
	} else if !strings.HasSuffix(name, ".") {
		name = name + "." + origin
	}
	name = strings.TrimSuffix(name, ".")

	// Exactly two labels: <sld>.<tld>.
	dot := strings.IndexByte(name, '.')
	if dot <= 0 || name[dot+1:] != tld {
		return "", false
	}
	sld := name[:dot]
	if !validLabel(sld) {
		return "", false
	}
	return sld, true
}

// validLabel checks the LDH label grammar: 1-63 chars of [a-z0-9-], no
// leading or trailing hyphen. IDN (xn--) labels satisfy the same grammar.
func validLabel(s string) bool {
	if len(s) == 0 || len(s) > 63 {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}
