// Package loader turns local files into documents for the CLI index command.
package loader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"knowledge-rag/internal/helper"
	"knowledge-rag/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
)

// Metadata keys set on every loaded document.
const (
	MetaFileName   = "file_name"
	MetaFileType   = "file_type"
	MetaModifiedAt = "modified_at"
	MetaPages      = "pages"
)

type extractor func(path string) (content, title string, pages int, err error)

var extractors = map[string]extractor{
	".pdf":  extractPDF,
	".docx": extractDOCX,
	".xlsx": extractXLSX,
	".xlsm": extractXLSM,
	".md":   extractMarkdown,
	".txt":  extractText,
}

// Supported reports whether Load can read files with the extension of path.
func Supported(path string) bool {
	_, ok := extractors[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load reads one file into a Document. The id is derived from the absolute
// path so loading the same file again updates the same document. TenantID is
// left for the caller to set.
func Load(path string) (models.Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	extract, ok := extractors[ext]
	if !ok {
		return models.Document{}, fmt.Errorf("%w: unsupported file format %q", models.ErrInvalidInput, ext)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return models.Document{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.Document{}, err
	}

	content, title, pages, err := extract(abs)
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	content = normalizeSpace(content)
	if content == "" {
		return models.Document{}, fmt.Errorf("%s: %w", path, models.ErrEmptyContent)
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}

	meta := map[string]string{
		MetaFileName:   filepath.Base(abs),
		MetaFileType:   strings.TrimPrefix(ext, "."),
		MetaModifiedAt: info.ModTime().UTC().Format(time.RFC3339),
	}
	if pages > 0 {
		meta[MetaPages] = strconv.Itoa(pages)
	}

	return models.Document{
		ID:         helper.StableID("file://" + abs),
		Title:      title,
		Content:    content,
		SourceType: models.SourceTypeFile,
		ExternalID: abs,
		CreatedAt:  info.ModTime().UTC(),
		Metadata:   meta,
	}, nil
}

// LoadDir loads every supported file under root. Files that fail to load are
// logged and skipped; the error is only set when the walk itself fails.
func LoadDir(root string) ([]models.Document, error) {
	var docs []models.Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !Supported(path) {
			return nil
		}
		doc, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping file")
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	return docs, err
}

func extractPDF(path string) (string, string, int, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", "", 0, err
	}
	defer f.Close()

	var sb strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", "", 0, fmt.Errorf("page %d: %w", i, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	return sb.String(), "", numPages, nil
}

func extractDOCX(path string) (string, string, int, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", "", 0, err
	}
	defer r.Close()
	return docxText(r.Editable().GetContent()), "", 0, nil
}

// docxText pulls the run text out of document.xml, one line per paragraph.
func docxText(xml string) string {
	var sb strings.Builder
	for _, para := range strings.Split(xml, "</w:p>") {
		var line strings.Builder
		rest := para
		for {
			start := strings.Index(rest, "<w:t")
			if start < 0 {
				break
			}
			rest = rest[start:]
			open := strings.IndexByte(rest, '>')
			if open < 0 {
				break
			}
			// <w:tab/> and <w:tbl> share the prefix.
			tag := rest[:open+1]
			rest = rest[open+1:]
			if tag != "<w:t>" && !strings.HasPrefix(tag, "<w:t ") {
				continue
			}
			end := strings.Index(rest, "</w:t>")
			if end < 0 {
				break
			}
			line.WriteString(unescapeXML(rest[:end]))
			rest = rest[end:]
		}
		if s := strings.TrimSpace(line.String()); s != "" {
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

var xmlEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func unescapeXML(s string) string {
	return xmlEntities.Replace(s)
}

func extractXLSX(path string) (string, string, int, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return "", "", 0, err
	}
	var sb strings.Builder
	for _, sheet := range f.Sheets {
		rows := make([][]string, 0, len(sheet.Rows))
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			rows = append(rows, cells)
		}
		writeSheet(&sb, sheet.Name, rows)
	}
	return sb.String(), "", len(f.Sheets), nil
}

// extractXLSM reads macro-enabled workbooks, which the xlsx package rejects.
func extractXLSM(path string) (string, string, int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", "", 0, err
	}
	defer f.Close()

	var sb strings.Builder
	sheets := f.GetSheetList()
	for _, name := range sheets {
		rows, err := f.GetRows(name)
		if err != nil {
			log.Warn().Err(err).Str("sheet", name).Msg("Skipping unreadable sheet")
			continue
		}
		writeSheet(&sb, name, rows)
	}
	return sb.String(), "", len(sheets), nil
}

func writeSheet(sb *strings.Builder, name string, rows [][]string) {
	fmt.Fprintf(sb, "Sheet: %s\n", name)
	for _, row := range rows {
		line := strings.TrimRight(strings.Join(row, "\t"), "\t ")
		if line == "" {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func extractText(path string) (string, string, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", 0, err
	}
	return string(data), "", 0, nil
}

func extractMarkdown(path string) (string, string, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", 0, err
	}
	text, title, err := MarkdownText(data)
	return text, title, 0, err
}

// normalizeSpace trims trailing blanks on every line and collapses runs of
// blank lines to one.
func normalizeSpace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t ")
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
