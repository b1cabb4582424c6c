package craig

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"voxpipe/internal/backend"
	"voxpipe/internal/storage"
)

// Fetcher implements backend.Fetcher against the recording service.
type Fetcher struct {
	Client *Client
}

func NewFetcher(c *Client) *Fetcher {
	return &Fetcher{Client: c}
}

func (f *Fetcher) Fetch(ctx context.Context, req backend.FetchRequest) (backend.FetchResult, error) {
	rec, err := f.Client.Metadata(ctx, req.RecordingID, req.Key)
	if err != nil {
		return backend.FetchResult{}, err
	}
	if dur, err := f.Client.Duration(ctx, req.RecordingID, req.Key); err == nil {
		rec.Duration = dur
	}

	dirs, err := storage.SessionDir(req.OutputRoot, storage.BaseName(rec), req.Clobber)
	if err != nil {
		return backend.FetchResult{}, err
	}

	container := "zip"
	if req.Options.Mix == "mixed" {
		container = "mix"
	}
	fileType := req.Options.FileType
	if fileType == "" {
		fileType = "flac"
	}
	if err := f.ensureRemoteJob(ctx, req, JobOptions{
		Container: container,
		Format:    fileType,
	}); err != nil {
		return backend.FetchResult{}, err
	}

	job, err := f.Client.PollUntilReady(ctx, req.RecordingID, req.Key, req.Progress)
	if err != nil {
		return backend.FetchResult{}, err
	}
	if job.OutputFileName == "" {
		return backend.FetchResult{}, fmt.Errorf("render job finished without an output file")
	}

	dest := filepath.Join(dirs.Downloads, job.OutputFileName)
	if err := f.Client.Download(ctx, job.OutputFileName, dest, req.Progress); err != nil {
		return backend.FetchResult{}, err
	}

	result := backend.FetchResult{Dir: dirs.Root, Recording: rec}
	if container == "mix" {
		result.MixedPath = dest
		return result, nil
	}
	stems := filepath.Join(dirs.Work, "stems")
	if err := os.MkdirAll(stems, 0o755); err != nil {
		return backend.FetchResult{}, err
	}
	tracks, err := unzipAudio(dest, stems)
	if err != nil {
		return backend.FetchResult{}, fmt.Errorf("unpack %s: %w", job.OutputFileName, err)
	}
	if len(tracks) == 0 {
		return backend.FetchResult{}, fmt.Errorf("archive %s held no audio tracks", job.OutputFileName)
	}
	result.TrackPaths = tracks
	return result, nil
}

// ensureRemoteJob reuses a render job already running or finished on
// the service, recreating it first when the previous one failed.
func (f *Fetcher) ensureRemoteJob(ctx context.Context, req backend.FetchRequest, opts JobOptions) error {
	existing, err := f.Client.GetJob(ctx, req.RecordingID, req.Key)
	switch {
	case err == nil && existing.ID != "" && jobFailed(existing.Status):
		if err := f.Client.DeleteJob(ctx, req.RecordingID, req.Key); err != nil {
			return fmt.Errorf("clear failed render job: %w", err)
		}
	case err == nil && existing.ID != "":
		return nil
	case err != nil && !errors.Is(err, backend.ErrNotFound):
		return err
	}
	_, err = f.Client.CreateJob(ctx, req.RecordingID, req.Key, opts)
	return err
}

var audioExtensions = map[string]bool{
	".flac": true, ".mp3": true, ".ogg": true, ".oga": true,
	".aac": true, ".m4a": true, ".wav": true, ".opus": true,
}

// unzipAudio extracts the audio members of a downloaded archive into
// destDir, flattening any internal directory structure.
func unzipAudio(archivePath, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var tracks []string
	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(member.Name)
		if !audioExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		out := filepath.Join(destDir, name)
		if err := extractMember(member, out); err != nil {
			return nil, err
		}
		tracks = append(tracks, out)
	}
	sort.Strings(tracks)
	return tracks, nil
}

func extractMember(member *zip.File, dest string) error {
	rc, err := member.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// copyWithProgress streams r to dest; with a known total it reports
// percent completion every megabyte.
func copyWithProgress(dest string, r io.Reader, total int64, progress backend.ProgressFunc) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	var written, lastReport int64
	buf := make([]byte, 256*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return werr
			}
			written += int64(n)
			if progress != nil && written-lastReport >= 1<<20 {
				lastReport = written
				if total > 0 {
					progress(int(written*100/total), "downloading")
				} else {
					progress(-1, fmt.Sprintf("downloaded %d MiB", written>>20))
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return fmt.Errorf("%w: %v", backend.ErrTransientNetwork, rerr)
		}
	}
	if progress != nil && total > 0 {
		progress(100, "downloaded")
	}
	return f.Close()
}
