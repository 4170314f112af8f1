package rag

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// SubtitleParser 解析 .srt / .vtt，每个 cue 一个 Segment
// cue 元数据：from / to 为毫秒，id 为 cue 序号（vtt 可能为空）
type SubtitleParser struct{}

func (p *SubtitleParser) SupportedTypes() []string {
	return []string{".srt", ".vtt"}
}

func (p *SubtitleParser) Parse(reader io.Reader, filename string) (*ParseResult, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	cues, err := parseCues(reader)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", ext, err)
	}

	res := &ParseResult{Metadata: map[string]string{"format": ext}}
	for _, c := range cues {
		meta := map[string]string{
			"from": strconv.FormatInt(c.from, 10),
			"to":   strconv.FormatInt(c.to, 10),
		}
		if c.id != "" {
			meta["id"] = c.id
		}
		res.Segments = append(res.Segments, Segment{Text: c.text, Metadata: meta})
	}
	return res, nil
}

type cue struct {
	id       string
	from, to int64
	text     string
}

// parseCues srt 与 vtt 共用：按空行分块，块内找 "-->" 行
func parseCues(r io.Reader) ([]cue, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		cues  []cue
		block []string
	)
	flush := func() error {
		defer func() { block = block[:0] }()
		if len(block) == 0 {
			return nil
		}
		c, ok, err := parseBlock(block)
		if err != nil {
			return err
		}
		if ok {
			cues = append(cues, c)
		}
		return nil
	}

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		line = strings.TrimPrefix(line, "\ufeff")
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		block = append(block, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cues, nil
}

func parseBlock(block []string) (cue, bool, error) {
	timingIdx := -1
	for i, line := range block {
		if strings.Contains(line, "-->") {
			timingIdx = i
			break
		}
	}
	// WEBVTT 头、NOTE、STYLE 块
	if timingIdx < 0 {
		return cue{}, false, nil
	}

	var c cue
	if timingIdx > 0 {
		c.id = strings.TrimSpace(block[timingIdx-1])
	}

	arrow := strings.SplitN(block[timingIdx], "-->", 2)
	from, err := parseTimestamp(arrow[0])
	if err != nil {
		return cue{}, false, err
	}
	// vtt 的 cue 设置跟在结束时间后
	endFields := strings.Fields(arrow[1])
	if len(endFields) == 0 {
		return cue{}, false, fmt.Errorf("missing end timestamp: %q", block[timingIdx])
	}
	to, err := parseTimestamp(endFields[0])
	if err != nil {
		return cue{}, false, err
	}
	c.from, c.to = from, to

	text := strings.TrimSpace(strings.Join(block[timingIdx+1:], "\n"))
	if text == "" {
		return cue{}, false, nil
	}
	c.text = reMarkdownHTML.ReplaceAllString(text, "")
	return c, true, nil
}

// parseTimestamp 支持 hh:mm:ss,mmm / hh:mm:ss.mmm / mm:ss.mmm，返回毫秒
func parseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	main, frac, _ := strings.Cut(s, ".")

	parts := strings.Split(main, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp: %q", s)
	}

	var total int64
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp: %q", s)
		}
		total = total*60 + n
	}
	total *= 1000

	if frac != "" {
		for len(frac) < 3 {
			frac += "0"
		}
		ms, err := strconv.ParseInt(frac[:3], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp: %q", s)
		}
		total += ms
	}
	return total, nil
}
