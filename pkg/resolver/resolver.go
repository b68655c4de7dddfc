// Package resolver implements component A (and H) of parafile: it
// expands a job's input URIs into a work list with size totals, and
// hands back a per-URI download routine that mapper workers use to
// fetch files locally. Two schemes are supported, matched leftmost
// wins: s3://bucket[/prefix] and a local file path (optionally
// file:/-prefixed).
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/cuemby/parafile/pkg/types"
)

// Downloader fetches the content a URI names to a local path.
type Downloader func(ctx context.Context, destPath string) error

var (
	s3Pattern   = regexp.MustCompile(`(?i)^s3://([^/]+)/?(.*)$`)
	filePattern = regexp.MustCompile(`(?i)^(?:file:/)?(/.*)$`)

	yearToken  = regexp.MustCompile(`\{year\}`)
	monthToken = regexp.MustCompile(`\{month\}`)
	dayToken   = regexp.MustCompile(`\{day\}`)
)

// Resolve expands desc.InputData into the total byte count and work
// list. It fails with ErrInputMissing if InputData is empty, or
// ErrBackendUnavailable if any listing call fails.
func Resolve(ctx context.Context, desc *types.JobDescriptor) (int64, []types.WorkItem, error) {
	if len(desc.InputData) == 0 {
		return 0, nil, types.NewJobError(types.ErrInputMissing, "", fmt.Errorf("job defines no input_data"))
	}

	var (
		total int64
		items []types.WorkItem
	)
	for _, uri := range desc.InputData {
		got, bytes, err := resolveOne(ctx, desc, uri)
		if err != nil {
			return 0, nil, err
		}
		items = append(items, got...)
		total += bytes
	}
	return total, items, nil
}

func resolveOne(ctx context.Context, desc *types.JobDescriptor, uri string) ([]types.WorkItem, int64, error) {
	if m := s3Pattern.FindStringSubmatch(uri); m != nil {
		return listS3(ctx, desc, m[1], m[2])
	}
	if m := filePattern.FindStringSubmatch(uri); m != nil {
		return listLocal(m[1])
	}
	return nil, 0, types.NewJobError(types.ErrBackendUnavailable, uri, fmt.Errorf("no scheme handler matches %q", uri))
}

// DownloadFor returns the download routine for uri, re-matching the
// same scheme patterns Resolve used. Re-matching instead of carrying a
// handler reference on the WorkItem keeps types.WorkItem a plain,
// dependency-free value.
func DownloadFor(desc *types.JobDescriptor, uri string) (Downloader, error) {
	if m := s3Pattern.FindStringSubmatch(uri); m != nil {
		return downloadS3(desc, m[1], m[2]), nil
	}
	if m := filePattern.FindStringSubmatch(uri); m != nil {
		return downloadLocal(m[1]), nil
	}
	return nil, fmt.Errorf("resolver: no scheme handler matches %q", uri)
}

// ExpandDateMacros substitutes {year}, {month}, {day} in prefix across
// the job's inclusive date range, returning one prefix per day. No
// padding is applied; callers encode leading zeros in the prefix
// itself if they need them.
func ExpandDateMacros(desc *types.JobDescriptor, prefix string) []string {
	if desc.DateRange == 0 && desc.StartDate.IsZero() && desc.EndDate.IsZero() {
		return []string{prefix}
	}
	if !hasDateToken(prefix) {
		return []string{prefix}
	}

	start := startOfRange(desc)
	end := desc.EndDate

	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, substituteDate(prefix, d))
	}
	return out
}

func hasDateToken(prefix string) bool {
	return yearToken.MatchString(prefix) || monthToken.MatchString(prefix) || dayToken.MatchString(prefix)
}

func startOfRange(desc *types.JobDescriptor) time.Time {
	if desc.DateRange > 0 {
		return desc.EndDate.AddDate(0, 0, -(desc.DateRange - 1))
	}
	return desc.StartDate
}

func substituteDate(prefix string, d time.Time) string {
	prefix = yearToken.ReplaceAllString(prefix, fmt.Sprintf("%d", d.Year()))
	prefix = monthToken.ReplaceAllString(prefix, fmt.Sprintf("%d", int(d.Month())))
	prefix = dayToken.ReplaceAllString(prefix, fmt.Sprintf("%d", d.Day()))
	return prefix
}
