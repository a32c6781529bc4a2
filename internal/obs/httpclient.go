package obs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// Image archive extensions published by the build service, in preference
// order.
var imageExtensions = []string{".raw.xz", ".tar.gz", ".qcow2", ".vhdfixed.xz"}

// packagesFileRe extracts the image version and build from the packages
// report filename, e.g. openSUSE-Leap-15.6-EC2.x86_64-1.0.3-Build2.47.packages
var packagesFileRe = regexp.MustCompile(`-([0-9][0-9.]*)-Build([0-9.]+)\.packages$`)

// HTTPRepository reads a build service's published repository over HTTP.
// The repository is an autoindexed directory holding the image archives
// and their .packages reports.
type HTTPRepository struct {
	client *http.Client
	logger arbor.ILogger
}

// NewHTTPRepository creates the client.
func NewHTTPRepository(logger arbor.ILogger) *HTTPRepository {
	return &HTTPRepository{
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: logger,
	}
}

// FetchImageStatus lists the repository directory, locates the image's
// packages report and parses it.
func (r *HTTPRepository) FetchImageStatus(ctx context.Context, downloadURL, image string) (*ImageStatus, error) {
	links, err := r.listDirectory(ctx, downloadURL)
	if err != nil {
		return nil, err
	}

	status := &ImageStatus{Packages: make(map[string]PackageInfo)}
	var packagesFile string
	for _, link := range links {
		if !strings.HasPrefix(link, image) {
			continue
		}
		if m := packagesFileRe.FindStringSubmatch(link); m != nil {
			packagesFile = link
			status.Version = m[1]
			continue
		}
		for _, ext := range imageExtensions {
			if strings.HasSuffix(link, ext) {
				status.ImageFile = link
				break
			}
		}
	}
	if packagesFile == "" {
		return nil, fmt.Errorf("no packages report for image %s at %s", image, downloadURL)
	}

	if err := r.fetchPackages(ctx, joinURL(downloadURL, packagesFile), status); err != nil {
		return nil, err
	}

	if status.ImageFile != "" {
		if sum, err := r.fetchChecksum(ctx, joinURL(downloadURL, status.ImageFile+".sha256")); err == nil {
			status.Checksum = sum
		}
	}
	return status, nil
}

// DownloadImage streams the image archive into destDir.
func (r *HTTPRepository) DownloadImage(ctx context.Context, downloadURL, image, destDir string) (string, error) {
	status, err := r.FetchImageStatus(ctx, downloadURL, image)
	if err != nil {
		return "", err
	}
	if status.ImageFile == "" {
		return "", fmt.Errorf("no image archive for %s at %s", image, downloadURL)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}

	resp, err := r.get(ctx, joinURL(downloadURL, status.ImageFile))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	dest := filepath.Join(destDir, status.ImageFile)
	tmp, err := os.CreateTemp(destDir, status.ImageFile+".*.part")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to download %s: %w", status.ImageFile, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	r.logger.Info().Str("image", image).Str("file", dest).Msg("Image downloaded")
	return dest, nil
}

func (r *HTTPRepository) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp, nil
}

// listDirectory parses the autoindex page into its link targets.
func (r *HTTPRepository) listDirectory(ctx context.Context, url string) ([]string, error) {
	resp, err := r.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse repository index: %w", err)
	}

	var links []string
	doc.Find("a").Each(func(i int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "/") {
			return
		}
		links = append(links, href)
	})
	return links, nil
}

// fetchPackages parses a packages report. Each line reads
// name|epoch|version|release|arch|license.
func (r *HTTPRepository) fetchPackages(ctx context.Context, url string, status *ImageStatus) error {
	resp, err := r.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		info := PackageInfo{Version: fields[2], Release: fields[3]}
		if len(fields) > 4 {
			info.Arch = fields[4]
		}
		if len(fields) > 5 {
			info.License = fields[5]
		}
		status.Packages[fields[0]] = info
	}
	return scanner.Err()
}

func (r *HTTPRepository) fetchChecksum(ctx context.Context, url string) (string, error) {
	resp, err := r.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum file")
	}
	return fields[0], nil
}

func joinURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}
