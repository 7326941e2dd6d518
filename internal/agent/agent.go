// ============================================================================
// litcurate Agent - External Annotation Capability
// ============================================================================
//
// Package: internal/agent
// File: agent.go
// Function: gRPC client for the external annotation agent
//
// Wire contract:
//   service litcurate.agent.v1.Agent {
//     rpc Classify(google.protobuf.Struct) returns (google.protobuf.Struct);
//   }
//   metadata "x-litcurate-session": one session id per worker batch
//
// Request fields:  pmid, title, abstract, mesh, species_name, species_id,
//                  gene_name, gene_id
// Response fields: output (final answer text), log (list of transcript lines)
//
// The agent's output is unreliable free text; ParseAnnotation turns it into
// a StructuredAnnotation or reports why it could not.
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/litcurate/pkg/types"
)

const (
	ServiceName      = "litcurate.agent.v1.Agent"
	ClassifyMethod   = "/" + ServiceName + "/Classify"
	SessionHeader    = "x-litcurate-session"
	defaultMaxRecvMB = 16
)

var (
	ErrEmptyOutput = errors.New("agent: empty output")
	ErrNoSession   = errors.New("agent: missing session id")
)

// Request 單筆分類請求
type Request struct {
	PMID        string
	Title       string
	Abstract    string
	MeSH        string
	SpeciesName string
	SpeciesID   string
	GeneName    string
	GeneID      string
}

// RequestFor 以紀錄建立請求
func RequestFor(rec types.Record) Request {
	return Request{
		PMID:        string(rec.ID),
		Title:       rec.Payload.Title,
		Abstract:    rec.Payload.Abstract,
		MeSH:        rec.Payload.MeSH,
		SpeciesName: rec.Payload.SpeciesName,
		SpeciesID:   rec.Payload.SpeciesID,
		GeneName:    rec.Payload.GeneName,
		GeneID:      rec.Payload.GeneID,
	}
}

// Response agent 回覆
type Response struct {
	Output string   // 最終答案（未經驗證的文字）
	Log    []string // 推理過程，寫入 transcript
}

// Classifier 單一 session 內的分類能力
type Classifier interface {
	Classify(ctx context.Context, req Request) (Response, error)
}

// Client gRPC 連線
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// Dial 建立到 addr 的連線（明文，agent 與 worker 部署在同一主機）
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(defaultMaxRecvMB<<20)),
	)
	if err != nil {
		return nil, fmt.Errorf("agent: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient 包裝既有連線（測試用 bufconn）
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close 關閉由 Dial 建立的連線
func (c *Client) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}

// NewSession 開啟新的 agent session
func (c *Client) NewSession() *Session {
	return &Session{client: c, ID: uuid.NewString()}
}

// Session 一個 worker 批次使用的 agent session
type Session struct {
	client *Client
	ID     string
}

// Classify 呼叫 agent；ctx 控制單筆逾時
func (s *Session) Classify(ctx context.Context, req Request) (Response, error) {
	in, err := structpb.NewStruct(map[string]any{
		"pmid":         req.PMID,
		"title":        req.Title,
		"abstract":     req.Abstract,
		"mesh":         req.MeSH,
		"species_name": req.SpeciesName,
		"species_id":   req.SpeciesID,
		"gene_name":    req.GeneName,
		"gene_id":      req.GeneID,
	})
	if err != nil {
		return Response{}, fmt.Errorf("agent: encode request %s: %w", req.PMID, err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx, SessionHeader, s.ID)
	out := new(structpb.Struct)
	if err := s.client.conn.Invoke(ctx, ClassifyMethod, in, out); err != nil {
		return Response{}, fmt.Errorf("agent: classify %s: %w", req.PMID, err)
	}
	return decodeResponse(out), nil
}

func decodeResponse(out *structpb.Struct) Response {
	fields := out.GetFields()
	resp := Response{Output: fields["output"].GetStringValue()}
	for _, v := range fields["log"].GetListValue().GetValues() {
		resp.Log = append(resp.Log, v.GetStringValue())
	}
	return resp
}

func encodeResponse(resp Response) (*structpb.Struct, error) {
	log := make([]any, 0, len(resp.Log))
	for _, line := range resp.Log {
		log = append(log, line)
	}
	return structpb.NewStruct(map[string]any{
		"output": resp.Output,
		"log":    log,
	})
}

func decodeRequest(in *structpb.Struct) Request {
	f := in.GetFields()
	return Request{
		PMID:        f["pmid"].GetStringValue(),
		Title:       f["title"].GetStringValue(),
		Abstract:    f["abstract"].GetStringValue(),
		MeSH:        f["mesh"].GetStringValue(),
		SpeciesName: f["species_name"].GetStringValue(),
		SpeciesID:   f["species_id"].GetStringValue(),
		GeneName:    f["gene_name"].GetStringValue(),
		GeneID:      f["gene_id"].GetStringValue(),
	}
}
