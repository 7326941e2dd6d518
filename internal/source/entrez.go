package source

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ChuLiYu/litcurate/pkg/types"
)

const (
	userAgent   = "litcurate/1.0"
	entrezDB    = "pubmed"
	meshJoinSep = "; "
)

// EntrezClient NCBI E-utilities 客戶端（esearch 分頁查詢、efetch metadata）
type EntrezClient struct {
	client     *http.Client
	searchURL  string
	fetchURL   string
	term       string
	retMax     int
	apiKey     string
	retrier    *Retrier
	provenance string
}

// EntrezOptions 建立 EntrezClient 所需參數
type EntrezOptions struct {
	SearchURL string
	FetchURL  string
	Term      string
	RetMax    int
	APIKey    string
}

// NewEntrezClient 建立 E-utilities 客戶端；client 為 nil 時使用預設 http.Client
func NewEntrezClient(client *http.Client, opts EntrezOptions, retrier *Retrier) *EntrezClient {
	if client == nil {
		client = http.DefaultClient
	}
	if retrier == nil {
		retrier = &Retrier{}
	}
	return &EntrezClient{
		client:     client,
		searchURL:  opts.SearchURL,
		fetchURL:   opts.FetchURL,
		term:       opts.Term,
		retMax:     opts.RetMax,
		apiKey:     opts.APIKey,
		retrier:    retrier,
		provenance: "esearch",
	}
}

type eSearchResult struct {
	Count    int      `xml:"Count"`
	RetStart int      `xml:"RetStart"`
	IDs      []string `xml:"IdList>Id"`
	ErrorMsg string   `xml:"ERROR"`
}

// Fetch 查詢出版日期落在 r 內的紀錄，cursor 為 retstart
func (c *EntrezClient) Fetch(ctx context.Context, r types.DateRange, cursor string) (Page, error) {
	retStart := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("esearch: invalid cursor %q", cursor)
		}
		retStart = n
	}

	params := url.Values{}
	params.Set("db", entrezDB)
	params.Set("term", c.term)
	params.Set("datetype", "pdat")
	params.Set("mindate", r.Start.Format("2006/01/02"))
	params.Set("maxdate", r.End.Format("2006/01/02"))
	params.Set("retstart", strconv.Itoa(retStart))
	params.Set("retmax", strconv.Itoa(c.retMax))
	params.Set("retmode", "xml")
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}

	var result eSearchResult
	err := c.retrier.Do(ctx, "esearch", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL+"?"+params.Encode(), nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		body, err := do(c.client, req)
		if err != nil {
			return err
		}
		result = eSearchResult{}
		if err := xml.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("%w: esearch: %v", ErrBadResponse, err)
		}
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	if result.ErrorMsg != "" {
		return Page{}, fmt.Errorf("%w: esearch: %s", ErrBadResponse, result.ErrorMsg)
	}

	page := Page{Total: result.Count, Records: make([]types.Record, 0, len(result.IDs))}
	for _, id := range result.IDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		page.Records = append(page.Records, types.Record{ID: types.RecordID(id), Provenance: c.provenance})
	}
	if next := retStart + len(result.IDs); len(result.IDs) > 0 && next < result.Count {
		page.Next = strconv.Itoa(next)
	}
	return page, nil
}

type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	PMID      string     `xml:"MedlineCitation>PMID"`
	Title     innerXML   `xml:"MedlineCitation>Article>ArticleTitle"`
	Abstracts []innerXML `xml:"MedlineCitation>Article>Abstract>AbstractText"`
	MeSH      []innerXML `xml:"MedlineCitation>MeshHeadingList>MeshHeading>DescriptorName"`
}

type innerXML struct {
	Inner string `xml:",innerxml"`
}

// FetchMetadata 以 efetch 取得標題、摘要與 MeSH（以 "; " 串接）
func (c *EntrezClient) FetchMetadata(ctx context.Context, ids []types.RecordID) (map[types.RecordID]types.Payload, error) {
	if len(ids) == 0 {
		return map[types.RecordID]types.Payload{}, nil
	}

	form := url.Values{}
	form.Set("db", entrezDB)
	form.Set("id", joinIDs(ids))
	form.Set("retmode", "xml")
	if c.apiKey != "" {
		form.Set("api_key", c.apiKey)
	}

	var set pubmedArticleSet
	err := c.retrier.Do(ctx, "efetch", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.fetchURL, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		body, err := do(c.client, req)
		if err != nil {
			return err
		}
		if len(body) == 0 {
			return fmt.Errorf("%w: efetch: empty body", ErrBadResponse)
		}
		set = pubmedArticleSet{}
		if err := xml.Unmarshal(body, &set); err != nil {
			return fmt.Errorf("%w: efetch: %v", ErrBadResponse, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[types.RecordID]types.Payload, len(set.Articles))
	for _, a := range set.Articles {
		pmid := strings.TrimSpace(a.PMID)
		if pmid == "" {
			continue
		}
		abstracts := make([]string, 0, len(a.Abstracts))
		for _, part := range a.Abstracts {
			if text := stripMarkup(part.Inner); text != "" {
				abstracts = append(abstracts, text)
			}
		}
		mesh := make([]string, 0, len(a.MeSH))
		for _, m := range a.MeSH {
			if text := stripMarkup(m.Inner); text != "" {
				mesh = append(mesh, text)
			}
		}
		out[types.RecordID(pmid)] = types.Payload{
			Title:    stripMarkup(a.Title.Inner),
			Abstract: strings.Join(abstracts, " "),
			MeSH:     strings.Join(mesh, meshJoinSep),
		}
	}
	return out, nil
}

// stripMarkup 去除 <i>、<sup> 等行內標記並收斂空白
func stripMarkup(fragment string) string {
	if !strings.ContainsRune(fragment, '<') && !strings.ContainsRune(fragment, '&') {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func joinIDs(ids []types.RecordID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
