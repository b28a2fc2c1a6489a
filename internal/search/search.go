// Package search provides an in-memory inverted index over entity titles
// and content with TF-IDF style ranking.
//
// The index is not safe for concurrent mutation. Callers serialize writes
// and may run Search concurrently only against a stable index.
package search

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/starford/waymark/internal/models"
)

// Field weights. A title hit counts twice as much as a content hit.
const (
	titleWeight   = 2.0
	contentWeight = 1.0
)

// minTokenLength drops single-character noise tokens.
const minTokenLength = 2

// stripPattern removes everything except word characters, hyphens and
// whitespace.
var stripPattern = regexp.MustCompile(`[^\w\s-]`)

// Options controls a search call. Zero values mean no filtering and no
// limit.
type Options struct {
	Limit           int
	MinScore        float64
	Types           []models.EntityType
	IncludeArchived bool
}

// Result is a single search hit.
type Result struct {
	ID      models.EntityID   `json:"id"`
	Type    models.EntityType `json:"type"`
	Score   float64           `json:"score"`
	Matches []string          `json:"matches"`
}

// document holds what was indexed for one entity so it can be retracted.
type document struct {
	typ           models.EntityType
	archived      bool
	titleTokens   map[string]struct{}
	contentTokens map[string]struct{}
}

// Index is a pair of inverted indexes (title, content) plus the document
// frequency table used for IDF.
type Index struct {
	title   map[string]map[models.EntityID]struct{}
	content map[string]map[models.EntityID]struct{}
	docFreq map[string]int
	docs    map[models.EntityID]*document
}

// New returns an empty index.
func New() *Index {
	return &Index{
		title:   make(map[string]map[models.EntityID]struct{}),
		content: make(map[string]map[models.EntityID]struct{}),
		docFreq: make(map[string]int),
		docs:    make(map[models.EntityID]*document),
	}
}

// Tokenize lowercases text, strips punctuation other than hyphens, splits
// on whitespace and drops tokens shorter than two characters.
func Tokenize(text string) []string {
	cleaned := stripPattern.ReplaceAllString(strings.ToLower(text), "")
	fields := strings.Fields(cleaned)
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= minTokenLength {
			out = append(out, f)
		}
	}
	return out
}

// Index (re)indexes id. Any previous entry for id is fully retracted first.
func (ix *Index) Index(id models.EntityID, title, content string, typ models.EntityType, archived bool) {
	ix.Remove(id)

	doc := &document{
		typ:           typ,
		archived:      archived,
		titleTokens:   tokenSet(title),
		contentTokens: tokenSet(content),
	}
	seen := make(map[string]struct{}, len(doc.titleTokens)+len(doc.contentTokens))
	for tok := range doc.titleTokens {
		addPosting(ix.title, tok, id)
		seen[tok] = struct{}{}
	}
	for tok := range doc.contentTokens {
		addPosting(ix.content, tok, id)
		seen[tok] = struct{}{}
	}
	for tok := range seen {
		ix.docFreq[tok]++
	}
	ix.docs[id] = doc
}

// Remove retracts id from the index. It is the exact inverse of Index.
func (ix *Index) Remove(id models.EntityID) {
	doc, ok := ix.docs[id]
	if !ok {
		return
	}
	seen := make(map[string]struct{}, len(doc.titleTokens)+len(doc.contentTokens))
	for tok := range doc.titleTokens {
		removePosting(ix.title, tok, id)
		seen[tok] = struct{}{}
	}
	for tok := range doc.contentTokens {
		removePosting(ix.content, tok, id)
		seen[tok] = struct{}{}
	}
	for tok := range seen {
		ix.docFreq[tok]--
		if ix.docFreq[tok] <= 0 {
			delete(ix.docFreq, tok)
		}
	}
	delete(ix.docs, id)
}

// Search ranks indexed documents against query. Each distinct query token
// contributes idf(token) times the field weight for every field it matches.
func (ix *Index) Search(query string, opts Options) []Result {
	tokens := Tokenize(query)
	if len(tokens) == 0 || len(ix.docs) == 0 {
		return nil
	}

	scores := make(map[models.EntityID]float64)
	matches := make(map[models.EntityID][]string)
	queried := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if _, dup := queried[tok]; dup {
			continue
		}
		queried[tok] = struct{}{}

		idf := ix.idf(tok)
		if idf == 0 {
			continue
		}
		hit := make(map[models.EntityID]struct{})
		for id := range ix.title[tok] {
			scores[id] += idf * titleWeight
			hit[id] = struct{}{}
		}
		for id := range ix.content[tok] {
			scores[id] += idf * contentWeight
			hit[id] = struct{}{}
		}
		for id := range hit {
			matches[id] = append(matches[id], tok)
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		doc := ix.docs[id]
		if score < opts.MinScore {
			continue
		}
		if !opts.IncludeArchived && doc.archived {
			continue
		}
		if len(opts.Types) > 0 && !containsType(opts.Types, doc.typ) {
			continue
		}
		results = append(results, Result{ID: id, Type: doc.typ, Score: score, Matches: matches[id]})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int { return len(ix.docs) }

// Vocabulary returns the number of distinct indexed tokens.
func (ix *Index) Vocabulary() int { return len(ix.docFreq) }

// DocFreq returns how many documents contain tok.
func (ix *Index) DocFreq(tok string) int { return ix.docFreq[tok] }

// idf returns ln(N/df)+1, or 0 for unknown tokens.
func (ix *Index) idf(tok string) float64 {
	df := ix.docFreq[tok]
	if df == 0 {
		return 0
	}
	return math.Log(float64(len(ix.docs))/float64(df)) + 1
}

func tokenSet(text string) map[string]struct{} {
	tokens := Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func addPosting(postings map[string]map[models.EntityID]struct{}, tok string, id models.EntityID) {
	bucket, ok := postings[tok]
	if !ok {
		bucket = make(map[models.EntityID]struct{})
		postings[tok] = bucket
	}
	bucket[id] = struct{}{}
}

func removePosting(postings map[string]map[models.EntityID]struct{}, tok string, id models.EntityID) {
	bucket, ok := postings[tok]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(postings, tok)
	}
}

func containsType(types []models.EntityType, t models.EntityType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}
