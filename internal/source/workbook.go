package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

var (
	// OLE2 复合文档（旧版 BIFF .xls）
	magicOLE2 = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	// ZIP 容器（.xlsx）
	magicZip = []byte{'P', 'K', 0x03, 0x04}
)

// Sheet 单个工作表，Rows[0] 为表头
type Sheet struct {
	Name string
	Rows [][]string
}

// Header 表头行
func (s Sheet) Header() []string {
	if len(s.Rows) == 0 {
		return nil
	}
	return s.Rows[0]
}

// Workbook 一个导出文件的全部工作表（保持原始顺序）
type Workbook struct {
	Name   string
	Sheets []Sheet
}

// Rows 所有工作表的数据行数（不含表头）
func (w *Workbook) Rows() int {
	n := 0
	for _, s := range w.Sheets {
		if len(s.Rows) > 1 {
			n += len(s.Rows) - 1
		}
	}
	return n
}

// Open 读取导出文件。格式按文件头识别，扩展名仅用于 CSV：
// 测试仪导出的 .xls 经常实际是 xlsx 容器。
func Open(path string) (*Workbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open export: %w", err)
	}
	defer f.Close()

	head := make([]byte, len(magicOLE2))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read export header: %w", err)
	}
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind export: %w", err)
	}

	name := filepath.Base(path)
	switch {
	case bytes.HasPrefix(head, magicZip):
		return readXLSX(name, f)
	case bytes.HasPrefix(head, magicOLE2):
		return readXLS(name, f)
	case strings.EqualFold(filepath.Ext(path), ".csv"):
		return readCSV(name, f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

func readXLSX(name string, r io.Reader) (*Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse xlsx: %w", err)
	}
	defer f.Close()

	wb := &Workbook{Name: name}
	for _, sheetName := range f.GetSheetList() {
		// 原始值，避免数字格式（千分位、小数位）影响解析
		rows, err := f.GetRows(sheetName, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheetName, err)
		}
		wb.Sheets = append(wb.Sheets, Sheet{Name: sheetName, Rows: rows})
	}
	return wb, nil
}

// readXLS 读取旧版 BIFF 工作簿。extrame/xls 对空行、空表和损坏记录会直接 panic，
// 这里逐行兜底，剩余的 panic 转为解析错误，只影响当前文件。
func readXLS(name string, r io.ReadSeeker) (wb *Workbook, err error) {
	defer func() {
		if p := recover(); p != nil {
			wb, err = nil, fmt.Errorf("parse xls %s: %v", name, p)
		}
	}()

	book, err := xls.OpenReader(r, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("parse xls: %w", err)
	}
	if book == nil {
		return nil, fmt.Errorf("parse xls %s: no workbook stream", name)
	}

	wb = &Workbook{Name: name}
	for i := 0; i < book.NumSheets(); i++ {
		ws := book.GetSheet(i)
		if ws == nil {
			continue
		}

		rows := make([][]string, 0, int(ws.MaxRow)+1)
		for ri := 0; ri <= int(ws.MaxRow); ri++ {
			row := safeRow(ws, ri)
			if row == nil {
				rows = append(rows, nil)
				continue
			}
			last := row.LastCol()
			if last < 0 {
				last = 0
			}
			cells := make([]string, last)
			for ci := row.FirstCol(); ci < last; ci++ {
				cells[ci] = row.Col(ci)
			}
			rows = append(rows, cells)
		}
		// 空表的 MaxRow 为 0，会留下一个空行
		for len(rows) > 0 && rows[len(rows)-1] == nil {
			rows = rows[:len(rows)-1]
		}
		wb.Sheets = append(wb.Sheets, Sheet{Name: ws.Name, Rows: rows})
	}
	return wb, nil
}

// safeRow 取第 i 行，缺失的行返回 nil。WorkSheet.Row 对缺失行会解引用空指针。
func safeRow(ws *xls.WorkSheet, i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()
	return ws.Row(i)
}

func readCSV(name string, r io.Reader) (*Workbook, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	return &Workbook{
		Name:   name,
		Sheets: []Sheet{{Name: strings.TrimSuffix(name, filepath.Ext(name)), Rows: rows}},
	}, nil
}
