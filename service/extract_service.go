package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/docverse/docsim-be/types"
	"github.com/docverse/docsim-be/utils"
)

// PageLimitError is reported by synchronous extraction when a document has
// more pages than the sync limit; the pipeline falls back to chunked
// page-range extraction.
type PageLimitError struct {
	Pages int
	Limit int
}

func (e *PageLimitError) Error() string {
	return fmt.Sprintf("page limit exceeded: document has %d pages, sync limit is %d", e.Pages, e.Limit)
}

// IsPageLimitError reports whether err is a page-limit condition.
func IsPageLimitError(err error) bool {
	var ple *PageLimitError
	return errors.As(err, &ple)
}

// ErrNoDocument is reported when extraction produces no usable text at all.
var ErrNoDocument = errors.New("extraction returned no document")

// Extractor is the contract against the OCR/structured-extraction service.
type Extractor interface {
	PageCount(ctx context.Context, filePath string) (int, error)
	// ExtractSync extracts the whole document in one call. Fails with a
	// PageLimitError when the document exceeds the sync page limit.
	ExtractSync(ctx context.Context, filePath string) (*types.ExtractedDocument, error)
	// ExtractPages extracts an inclusive page range.
	ExtractPages(ctx context.Context, filePath string, fromPage, toPage int) ([]types.ExtractedPage, error)
}

// ExtractService drives poppler (pdftotext/pdfinfo) with a tesseract OCR
// fallback for pages where text extraction comes back empty.
type ExtractService struct {
	syncPageLimit int
	ocrLanguages  string
	tempDir       string
}

func NewExtractService(syncPageLimit int) *ExtractService {
	return &ExtractService{
		syncPageLimit: syncPageLimit,
		ocrLanguages:  "eng",
		tempDir:       "temp",
	}
}

var pagesRe = regexp.MustCompile(`Pages:\s+(\d+)`)

func (s *ExtractService) PageCount(ctx context.Context, filePath string) (int, error) {
	cmd := exec.CommandContext(ctx, "pdfinfo", filePath)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("error running pdfinfo: %w", err)
	}

	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		if matches := pagesRe.FindStringSubmatch(scanner.Text()); len(matches) == 2 {
			return strconv.Atoi(matches[1])
		}
	}
	return 0, fmt.Errorf("unable to determine page count from pdfinfo")
}

func (s *ExtractService) ExtractSync(ctx context.Context, filePath string) (*types.ExtractedDocument, error) {
	totalPages, err := s.PageCount(ctx, filePath)
	if err != nil {
		return nil, err
	}
	if s.syncPageLimit > 0 && totalPages > s.syncPageLimit {
		return nil, &PageLimitError{Pages: totalPages, Limit: s.syncPageLimit}
	}

	pages, err := s.ExtractPages(ctx, filePath, 1, totalPages)
	if err != nil {
		return nil, err
	}

	var all strings.Builder
	for _, page := range pages {
		all.WriteString(page.Text)
		all.WriteString("\n")
	}
	text := strings.TrimSpace(all.String())
	if text == "" {
		return nil, ErrNoDocument
	}

	return &types.ExtractedDocument{
		Pages:    pages,
		Text:     text,
		Entities: []types.ExtractedEntity{},
		Tables:   []types.ExtractedTable{},
	}, nil
}

func (s *ExtractService) ExtractPages(ctx context.Context, filePath string, fromPage, toPage int) ([]types.ExtractedPage, error) {
	pages := make([]types.ExtractedPage, 0, toPage-fromPage+1)
	paragraphIndex := 0
	for pageNum := fromPage; pageNum <= toPage; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := s.extractPageText(ctx, filePath, pageNum)
		if err != nil {
			log.Printf("Warning: failed to extract text from page %d: %v", pageNum, err)
			continue // skip unreadable pages instead of failing the document
		}
		text = cleanText(text)
		if text == "" {
			continue
		}
		page := types.ExtractedPage{Number: pageNum, Text: text}
		for _, block := range splitParagraphs(text) {
			page.Paragraphs = append(page.Paragraphs, types.Paragraph{
				Text:  block,
				Page:  pageNum,
				Index: paragraphIndex,
			})
			paragraphIndex++
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// extractPageText tries pdftotext first and falls back to OCR when the page
// has no embedded text layer.
func (s *ExtractService) extractPageText(ctx context.Context, filePath string, pageNumber int) (string, error) {
	text, err := s.extractWithPdftotext(ctx, filePath, pageNumber)
	if err != nil || text == "" {
		text, err = s.extractWithTesseract(ctx, filePath, pageNumber)
		if err != nil {
			return "", fmt.Errorf("failed to extract text: %w", err)
		}
	}
	return text, nil
}

func (s *ExtractService) extractWithPdftotext(ctx context.Context, filePath string, pageNumber int) (string, error) {
	cmd := exec.CommandContext(ctx, "pdftotext",
		"-f", strconv.Itoa(pageNumber),
		"-l", strconv.Itoa(pageNumber),
		"-enc", "UTF-8", "-nopgbrk",
		filePath, "-")
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftotext failed for page %d: %w", pageNumber, err)
	}
	if trimmed := strings.TrimSpace(out.String()); trimmed != "" {
		return trimmed, nil
	}
	return "", fmt.Errorf("got nothing at page %d", pageNumber)
}

func (s *ExtractService) extractWithTesseract(ctx context.Context, pdfPath string, pageNumber int) (string, error) {
	if _, err := os.Stat(s.tempDir); os.IsNotExist(err) {
		os.Mkdir(s.tempDir, os.ModePerm)
	}
	tempFolder := filepath.Join(s.tempDir, utils.FileNameWithoutExt(pdfPath))
	if _, err := os.Stat(tempFolder); err == nil {
		os.RemoveAll(tempFolder)
	}
	if err := os.Mkdir(tempFolder, os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempFolder)

	convertCmd := exec.CommandContext(ctx, "pdftoppm",
		"-f", strconv.Itoa(pageNumber), "-l", strconv.Itoa(pageNumber),
		"-png", pdfPath, filepath.Join(tempFolder, "page"))
	if err := convertCmd.Run(); err != nil {
		return "", fmt.Errorf("error converting page %d to image: %w", pageNumber, err)
	}

	files, err := filepath.Glob(filepath.Join(tempFolder, "page-*.png"))
	if err != nil || len(files) == 0 {
		return "", fmt.Errorf("failed to read image files: %w", err)
	}

	ocrCmd := exec.CommandContext(ctx, "tesseract",
		files[0],
		"stdout",
		"-l", s.ocrLanguages,
		"--oem", "3",
		"--psm", "3",
	)
	var out bytes.Buffer
	ocrCmd.Stdout = &out
	if err := ocrCmd.Run(); err != nil {
		return "", fmt.Errorf("failed to run tesseract: %w", err)
	}
	if trimmed := strings.TrimSpace(out.String()); trimmed != "" {
		return trimmed, nil
	}
	return "", fmt.Errorf("got nothing at page %d", pageNumber)
}

// splitParagraphs breaks page text on blank lines.
func splitParagraphs(text string) []string {
	var blocks []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func cleanText(text string) string {
	replacements := map[string]string{
		"\u0000": "",   // null character
		"\ufffd": "",   // unicode replacement character
		"\u001b": "",   // escape character
		"\r":     "",   // carriage return
		"\f":     "\n", // form feed to newline
		"  ":     " ",  // multiple spaces to single space
	}
	cleaned := text
	for old, new := range replacements {
		cleaned = strings.ReplaceAll(cleaned, old, new)
	}
	return strings.TrimSpace(cleaned)
}
