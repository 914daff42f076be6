package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"trades-desk/internal/levels"
)

// readBars 读取 time,open,high,low,close[,volume] 格式的 CSV，首行可为表头。
func readBars(path string) ([]levels.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开K线文件失败: %w", err)
	}
	defer f.Close()
	return parseBars(f)
}

func parseBars(r io.Reader) ([]levels.Bar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var bars []levels.Bar
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取K线第 %d 行失败: %w", line, err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "time") {
			continue
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("K线第 %d 行字段不足: %d", line, len(rec))
		}

		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("K线第 %d 行时间无效: %w", line, err)
		}
		values := make([]float64, 0, 5)
		for _, field := range rec[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("K线第 %d 行数值无效 %q: %w", line, field, err)
			}
			values = append(values, v)
		}

		bar := levels.Bar{Time: ts, Open: values[0], High: values[1], Low: values[2], Close: values[3]}
		if len(values) > 4 {
			bar.Volume = values[4]
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
