// Package content serves the quote-of-the-day library: a plain-text quotes
// file plus a directory of images and clips to attach.
package content

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"legendalf/internal/transport"
)

const (
	noQuotesFile = "База пока не записана: положи цитаты в quotes.txt, и они оживут."
	emptyQuotes  = "База пуста: даже мудрость молчит, если её не записали."
)

// ErrNoMedia means the media directory is missing or holds no supported files.
var ErrNoMedia = errors.New("no media files")

var mediaKinds = map[string]transport.MediaKind{
	".jpg":  transport.MediaPhoto,
	".jpeg": transport.MediaPhoto,
	".png":  transport.MediaPhoto,
	".webp": transport.MediaPhoto,
	".gif":  transport.MediaAnimation,
	".mp4":  transport.MediaVideo,
}

type Library struct {
	fs         afero.Fs
	quotesPath string
	mediaDir   string

	mu  sync.Mutex
	rng *rand.Rand
}

func NewLibrary(fsys afero.Fs, quotesPath, mediaDir string) *Library {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Library{
		fs:         fsys,
		quotesPath: quotesPath,
		mediaDir:   mediaDir,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Quotes returns the non-empty lines of the quotes file. A missing or empty
// file yields a single placeholder line.
func (l *Library) Quotes() ([]string, error) {
	b, err := afero.ReadFile(l.fs, l.quotesPath)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{noQuotesFile}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read quotes: %w", err)
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan quotes: %w", err)
	}
	if len(out) == 0 {
		return []string{emptyQuotes}, nil
	}
	return out, nil
}

func (l *Library) RandomQuote() (string, error) {
	qs, err := l.Quotes()
	if err != nil {
		return "", err
	}
	return qs[l.intn(len(qs))], nil
}

// AppendQuote adds one line to the quotes file, creating it if needed.
func (l *Library) AppendQuote(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty quote")
	}
	if err := l.fs.MkdirAll(filepath.Dir(l.quotesPath), 0o755); err != nil {
		return err
	}
	prefix := ""
	if b, err := afero.ReadFile(l.fs, l.quotesPath); err == nil && len(b) > 0 && b[len(b)-1] != '\n' {
		prefix = "\n"
	}
	f, err := l.fs.OpenFile(l.quotesPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(prefix + text + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Media lists supported files in the media directory, sorted by name.
func (l *Library) Media() ([]string, error) {
	entries, err := afero.ReadDir(l.fs, l.mediaDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read media dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := mediaKinds[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			out = append(out, filepath.Join(l.mediaDir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// RandomMedia loads one supported file into memory as an attachment.
func (l *Library) RandomMedia() (*transport.Media, error) {
	files, err := l.Media()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoMedia, l.mediaDir)
	}
	p := files[l.intn(len(files))]
	data, err := afero.ReadFile(l.fs, p)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	return &transport.Media{
		Kind: mediaKinds[strings.ToLower(filepath.Ext(p))],
		Data: data,
		Name: filepath.Base(p),
	}, nil
}

// DailyBase builds the "База дня" payload: a random quote as the caption of
// a random attachment, or text only when there is no media.
func (l *Library) DailyBase() (transport.Payload, error) {
	q, err := l.RandomQuote()
	if err != nil {
		return transport.Payload{}, err
	}
	p := transport.Payload{Text: "База дня: " + q}
	m, err := l.RandomMedia()
	switch {
	case errors.Is(err, ErrNoMedia):
	case err != nil:
		return transport.Payload{}, err
	default:
		p.Media = m
	}
	return p, nil
}

func (l *Library) intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Intn(n)
}
