package report

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

// HourBucket counts log lines of one hour (YYYY-MM-DD HH, UTC) per level.
type HourBucket struct {
	Hour  string `json:"hour" xml:"hour"`
	Debug int    `json:"debug" xml:"debug"`
	Info  int    `json:"info" xml:"info"`
	Warn  int    `json:"warn" xml:"warn"`
	Error int    `json:"error" xml:"error"`
}

type LogStats struct {
	Buckets []HourBucket `json:"buckets" xml:"buckets"`
	Total   HourBucket   `json:"total" xml:"total"`
}

var logLine = regexp.MustCompile(`^time=(\S+) level=(\w+)`)

// ParseLog reads slog text output. Lines in other formats are skipped.
func ParseLog(r io.Reader) (LogStats, error) {
	byHour := map[string]*HourBucket{}
	var stats LogStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := logLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, m[1])
		if err != nil {
			continue
		}
		if !count(&stats.Total, m[2]) {
			continue
		}
		hour := ts.UTC().Format("2006-01-02 15")
		b, ok := byHour[hour]
		if !ok {
			b = &HourBucket{Hour: hour}
			byHour[hour] = b
		}
		count(b, m[2])
	}
	if err := sc.Err(); err != nil {
		return stats, err
	}
	for _, b := range byHour {
		stats.Buckets = append(stats.Buckets, *b)
	}
	sort.Slice(stats.Buckets, func(i, j int) bool { return stats.Buckets[i].Hour < stats.Buckets[j].Hour })
	return stats, nil
}

func count(b *HourBucket, level string) bool {
	switch strings.ToUpper(level) {
	case "DEBUG":
		b.Debug++
	case "INFO":
		b.Info++
	case "WARN", "WARNING":
		b.Warn++
	case "ERROR":
		b.Error++
	default:
		return false
	}
	return true
}

// LogStatsFile parses the log at path. A missing file yields empty stats.
func LogStatsFile(path string) (LogStats, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LogStats{}, nil
		}
		return LogStats{}, err
	}
	defer f.Close()
	return ParseLog(f)
}
