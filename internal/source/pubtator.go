package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ChuLiYu/litcurate/pkg/types"
)

// PubTatorClient PubTator3 BioC XML 匯出客戶端
type PubTatorClient struct {
	client  *http.Client
	url     string
	retrier *Retrier
}

// NewPubTatorClient 建立 PubTator 客戶端
func NewPubTatorClient(client *http.Client, exportURL string, retrier *Retrier) *PubTatorClient {
	if client == nil {
		client = http.DefaultClient
	}
	if retrier == nil {
		retrier = &Retrier{}
	}
	return &PubTatorClient{client: client, url: exportURL, retrier: retrier}
}

type mention struct {
	text       string
	identifier string
}

// Annotate 取得每篇文件最常出現的 Species 與 Gene（同票取先出現者）
//
// 回傳的 Payload 只填 SpeciesName/SpeciesID/GeneName/GeneID；
// 服務端沒有回傳的 id 不會出現在結果中。
func (c *PubTatorClient) Annotate(ctx context.Context, ids []types.RecordID) (map[types.RecordID]types.Payload, error) {
	if len(ids) == 0 {
		return map[types.RecordID]types.Payload{}, nil
	}
	reqBody, err := json.Marshal(map[string]string{"pmids": joinIDs(ids)})
	if err != nil {
		return nil, fmt.Errorf("encode pubtator request: %w", err)
	}

	var doc *goquery.Document
	err = c.retrier.Do(ctx, "pubtator", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		body, err := do(c.client, req)
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return fmt.Errorf("%w: pubtator: empty body", ErrBadResponse)
		}
		doc, err = goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: pubtator: %v", ErrBadResponse, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parseBioC(doc), nil
}

func parseBioC(doc *goquery.Document) map[types.RecordID]types.Payload {
	out := make(map[types.RecordID]types.Payload)
	doc.Find("document").Each(func(_ int, d *goquery.Selection) {
		pmid := strings.TrimSpace(d.ChildrenFiltered("id").First().Text())
		if pmid == "" {
			return
		}

		var species, genes []mention
		d.Find("passage annotation").Each(func(_ int, a *goquery.Selection) {
			kind := strings.TrimSpace(a.Find(`infon[key="type"]`).First().Text())
			m := mention{
				text:       strings.TrimSpace(a.Find("text").First().Text()),
				identifier: strings.TrimSpace(a.Find(`infon[key="identifier"]`).First().Text()),
			}
			if m.text == "" {
				return
			}
			switch kind {
			case "Species":
				species = append(species, m)
			case "Gene":
				genes = append(genes, m)
			}
		})

		p := types.Payload{}
		p.SpeciesName, p.SpeciesID = mostCommon(species)
		p.GeneName, p.GeneID = mostCommon(genes)
		out[types.RecordID(pmid)] = p
	})
	return out
}

// mostCommon 回傳出現次數最多的文字及其第一個識別碼
func mostCommon(ms []mention) (string, string) {
	if len(ms) == 0 {
		return "", ""
	}
	counts := make(map[string]int, len(ms))
	order := make([]string, 0, len(ms))
	firstID := make(map[string]string, len(ms))
	for _, m := range ms {
		if _, seen := counts[m.text]; !seen {
			order = append(order, m.text)
			firstID[m.text] = m.identifier
		}
		counts[m.text]++
	}
	best := order[0]
	for _, text := range order[1:] {
		if counts[text] > counts[best] {
			best = text
		}
	}
	return best, firstID[best]
}
