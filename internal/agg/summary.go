package agg

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb" // duckdb sql driver

	"github.com/PDOK/csv-archive-server/internal/archive"
)

type SummaryConfig struct {
	Threads     int    `yaml:"threads" default:"2"`
	MemoryLimit string `yaml:"memoryLimit" default:"1GB"`
}

type unmarshalledSummaryConfig SummaryConfig

func (c *SummaryConfig) UnmarshalYAML(unmarshal func(any) error) error {
	tmp := new(unmarshalledSummaryConfig)
	if err := defaults.Set(tmp); err != nil {
		return err
	}
	if err := unmarshal(tmp); err != nil {
		return err
	}
	*c = SummaryConfig(*tmp)
	return nil
}

// FileSummary counts the traceability rows (date,heure,equipe,codebarre,resultat) of one CSV file
type FileSummary struct {
	Filename string           `json:"filename"`
	Machine  string           `json:"machine"`
	Rows     int64            `json:"rows"`
	Results  map[string]int64 `json:"results"`
}

type WeekSummary struct {
	Year    int              `json:"year"`
	Week    int              `json:"week"`
	Rows    int64            `json:"rows"`
	Results map[string]int64 `json:"results"`
	Files   []FileSummary    `json:"files"`
}

type resultRow struct {
	Result string `db:"result"`
	Count  int64  `db:"cnt"`
}

// Summarizer reads the CSV files of a week with an in-memory duckdb
type Summarizer struct {
	db *sqlx.DB
}

func NewSummarizer(config SummaryConfig) (*Summarizer, error) {
	db, err := sqlx.Connect("duckdb", "")
	if err != nil {
		return nil, err
	}
	s := &Summarizer{db: db}
	if err = s.initDB(config); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Summarizer) Close() error {
	return s.db.Close()
}

func (s *Summarizer) initDB(config SummaryConfig) error {
	if err := defaults.Set(&config); err != nil {
		return err
	}
	// language=sql
	resourcesQuery := `SET memory_limit = '%s';
					SET threads = %d;`
	resourcesQuery = fmt.Sprintf(resourcesQuery, config.MemoryLimit, config.Threads)
	if _, err := s.db.Exec(resourcesQuery); err != nil {
		return err
	}
	return nil
}

func (s *Summarizer) Summarize(bucket archive.WeekBucket) (WeekSummary, error) {
	summary := WeekSummary{
		Year:    bucket.Year,
		Week:    bucket.Week,
		Results: map[string]int64{},
		Files:   make([]FileSummary, 0, len(bucket.Files)),
	}
	for _, record := range bucket.Files {
		fileSummary, err := s.summarizeFile(record)
		if err != nil {
			return WeekSummary{}, fmt.Errorf("%w: summarizing %s: %w", archive.ErrInternal, record.Filename, err)
		}
		summary.Rows += fileSummary.Rows
		for result, count := range fileSummary.Results {
			summary.Results[result] += count
		}
		summary.Files = append(summary.Files, fileSummary)
	}
	return summary, nil
}

func (s *Summarizer) summarizeFile(record archive.FileRecord) (FileSummary, error) {
	fileSummary := FileSummary{
		Filename: record.Filename,
		Machine:  record.Machine,
		Results:  map[string]int64{},
	}
	if record.Size == 0 { // freshly rotated, nothing written yet
		return fileSummary, nil
	}

	// language=sql
	resultsQuery := `
	SELECT coalesce(c.resultat, '') as result,
		   count(*) as cnt
	FROM read_csv([?],
	              header = false,
	              auto_detect = false,
	              delim = ',',
	              null_padding = true,
	              ignore_errors = true,
	              columns = {'date': 'VARCHAR', 'heure': 'VARCHAR', 'equipe': 'VARCHAR', 'codebarre': 'VARCHAR', 'resultat': 'VARCHAR'}) c
	GROUP BY result
	ORDER BY cnt DESC, result
	`
	rows, err := s.db.Queryx(resultsQuery, record.Path)
	if err != nil {
		return fileSummary, err
	}
	defer rows.Close()
	for rows.Next() {
		var row resultRow
		if err = rows.StructScan(&row); err != nil {
			return fileSummary, err
		}
		fileSummary.Results[row.Result] = row.Count
		fileSummary.Rows += row.Count
	}
	return fileSummary, rows.Err()
}
