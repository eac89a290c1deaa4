package reports

import "strings"

// ParseTSV parses tab-separated report content. The first line is the
// header row; every subsequent non-blank line becomes one Record. A row
// shorter than the header is padded with empty strings — a partial record
// beats aborting the whole report.
func ParseTSV(content []byte) []Record {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var headers []string
	for len(lines) > 0 {
		if strings.TrimSpace(lines[0]) != "" {
			headers = strings.Split(lines[0], "\t")
			lines = lines[1:]
			break
		}
		lines = lines[1:]
	}
	if len(headers) == 0 {
		return nil
	}

	normalized := make([]string, len(headers))
	for i, h := range headers {
		headers[i] = strings.Trim(strings.TrimSpace(h), `"'`)
		normalized[i] = NormalizeHeader(h)
	}

	var out []Record
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		rec := make(Record, len(headers)*2)
		for i, h := range headers {
			v := ""
			if i < len(fields) {
				v = strings.Trim(strings.TrimSpace(fields[i]), `"`)
			}
			rec[h] = v
			rec[normalized[i]] = v
		}
		out = append(out, rec)
	}
	return out
}
