package serv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/PDOK/csv-archive-server/internal/archive"
	"github.com/PDOK/csv-archive-server/internal/naming"
)

type listingFile struct {
	Filename      string    `json:"filename"`
	Machine       string    `json:"machine"`
	Size          int64     `json:"size"`
	SizeFormatted string    `json:"sizeFormatted"`
	Modified      time.Time `json:"modified"`
	DownloadURL   string    `json:"downloadUrl"`
}

type listingWeek struct {
	Week               int           `json:"week"`
	Label              string        `json:"label"`
	Files              []listingFile `json:"files"`
	TotalSize          int64         `json:"totalSize"`
	TotalSizeFormatted string        `json:"totalSizeFormatted"`
	FileCount          int           `json:"fileCount"`
	DownloadAllURL     string        `json:"downloadAllUrl"`
}

type listingYear struct {
	year  string
	weeks []listingWeek
}

// listing marshals to a JSON object keyed by year, keeping the descending year order
type listing []listingYear

func (l listing) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.year)
		if err != nil {
			return nil, err
		}
		weeks, err := json.Marshal(entry.weeks)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(weeks)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type weekFile struct {
	Filename      string `json:"filename"`
	Size          int64  `json:"size"`
	SizeFormatted string `json:"sizeFormatted"`
	DownloadURL   string `json:"downloadUrl"`
}

type weekListing struct {
	Week               int        `json:"week"`
	Year               int        `json:"year"`
	FileCount          int        `json:"fileCount"`
	TotalSize          int64      `json:"totalSize"`
	TotalSizeFormatted string     `json:"totalSizeFormatted"`
	Files              []weekFile `json:"files"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type links struct {
	baseURL string
}

func (l links) file(year int, filename string) string {
	query := url.Values{}
	query.Set("file", filename)
	query.Set("year", strconv.Itoa(year))
	return l.baseURL + "/api/download?" + query.Encode()
}

func (l links) bundle(year, week int) string {
	return fmt.Sprintf("%s/api/download/%d/%d", l.baseURL, year, week)
}

func (l links) listing(index archive.Index) listing {
	result := make(listing, 0, len(index))
	for _, entry := range index {
		weeks := make([]listingWeek, 0, len(entry.Weeks))
		for _, bucket := range entry.Weeks {
			weeks = append(weeks, l.listingWeek(bucket))
		}
		result = append(result, listingYear{year: strconv.Itoa(entry.Year), weeks: weeks})
	}
	return result
}

func (l links) listingWeek(bucket archive.WeekBucket) listingWeek {
	files := make([]listingFile, 0, len(bucket.Files))
	for _, record := range bucket.Files {
		files = append(files, listingFile{
			Filename:      record.Filename,
			Machine:       record.Machine,
			Size:          record.Size,
			SizeFormatted: archive.FormatSize(record.Size),
			Modified:      record.Modified,
			DownloadURL:   l.file(record.Year, record.Filename),
		})
	}
	return listingWeek{
		Week:               bucket.Week,
		Label:              naming.WeekLabel(bucket.Week),
		Files:              files,
		TotalSize:          bucket.TotalSize,
		TotalSizeFormatted: archive.FormatSize(bucket.TotalSize),
		FileCount:          bucket.FileCount(),
		DownloadAllURL:     l.bundle(bucket.Year, bucket.Week),
	}
}

func (l links) weekListing(bucket archive.WeekBucket) weekListing {
	files := make([]weekFile, 0, len(bucket.Files))
	for _, record := range bucket.Files {
		files = append(files, weekFile{
			Filename:      record.Filename,
			Size:          record.Size,
			SizeFormatted: archive.FormatSize(record.Size),
			DownloadURL:   l.file(record.Year, record.Filename),
		})
	}
	return weekListing{
		Week:               bucket.Week,
		Year:               bucket.Year,
		FileCount:          bucket.FileCount(),
		TotalSize:          bucket.TotalSize,
		TotalSizeFormatted: archive.FormatSize(bucket.TotalSize),
		Files:              files,
	}
}
