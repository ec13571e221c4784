package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/miradorstack/mirador-audit/internal/models"
)

// CodecName is the content subtype of the ReviewQueue messages.
const CodecName = "json"

// ReviewQueueServiceName is the fully qualified gRPC service name.
const ReviewQueueServiceName = "mirador.audit.v1.ReviewQueue"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// CandidateRequest addresses one candidate.
type CandidateRequest struct {
	CandidateID string `json:"candidate_id"`
}

// SubmitLabelRequest carries a label for one candidate.
type SubmitLabelRequest struct {
	CandidateID string `json:"candidate_id"`
	models.LabelRequest
}

// Empty is the request of parameterless methods.
type Empty struct{}

// ReviewQueueServer is the server side of the ReviewQueue service.
type ReviewQueueServer interface {
	ListCandidates(ctx context.Context, req *models.ListCandidatesRequest) (*models.ListCandidatesResponse, error)
	GetCandidate(ctx context.Context, req *CandidateRequest) (*models.CandidateDetail, error)
	GetSubgraph(ctx context.Context, req *CandidateRequest) (*models.Subgraph, error)
	Verify(ctx context.Context, req *CandidateRequest) (*models.VerificationResponse, error)
	Explain(ctx context.Context, req *CandidateRequest) (*models.VerificationResponse, error)
	SubmitLabel(ctx context.Context, req *SubmitLabelRequest) (*models.LabelResponse, error)
	ListLabels(ctx context.Context, req *CandidateRequest) (*models.LabelsResponse, error)
	Archive(ctx context.Context, req *CandidateRequest) (*models.Candidate, error)
	LatestRun(ctx context.Context, req *Empty) (*models.Run, error)
}

// RegisterReviewQueueServer registers srv on s.
func RegisterReviewQueueServer(s grpc.ServiceRegistrar, srv ReviewQueueServer) {
	s.RegisterService(&ReviewQueueServiceDesc, srv)
}

func unary[Req any, Resp any](name string, call func(ReviewQueueServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReviewQueueServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ReviewQueueServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReviewQueueServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ReviewQueueServiceDesc describes the ReviewQueue service.
var ReviewQueueServiceDesc = grpc.ServiceDesc{
	ServiceName: ReviewQueueServiceName,
	HandlerType: (*ReviewQueueServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListCandidates", ReviewQueueServer.ListCandidates),
		unary("GetCandidate", ReviewQueueServer.GetCandidate),
		unary("GetSubgraph", ReviewQueueServer.GetSubgraph),
		unary("Verify", ReviewQueueServer.Verify),
		unary("Explain", ReviewQueueServer.Explain),
		unary("SubmitLabel", ReviewQueueServer.SubmitLabel),
		unary("ListLabels", ReviewQueueServer.ListLabels),
		unary("Archive", ReviewQueueServer.Archive),
		unary("LatestRun", ReviewQueueServer.LatestRun),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/audit/v1/review_queue",
}

// ReviewQueueService adapts a Reviewer to ReviewQueueServer.
type ReviewQueueService struct {
	reviewer Reviewer
	logger   *slog.Logger
}

// NewReviewQueueService wraps reviewer for gRPC.
func NewReviewQueueService(reviewer Reviewer, logger *slog.Logger) *ReviewQueueService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewQueueService{reviewer: reviewer, logger: logger}
}

func respond[T any](s *ReviewQueueService, method string, v T, err error) (*T, error) {
	if err != nil {
		s.logger.Debug("rpc failed", slog.String("method", method), slog.Any("error", err))
		return nil, statusError(err)
	}
	return &v, nil
}

func (s *ReviewQueueService) ListCandidates(ctx context.Context, req *models.ListCandidatesRequest) (*models.ListCandidatesResponse, error) {
	resp, err := s.reviewer.List(ctx, *req)
	return respond(s, "ListCandidates", resp, err)
}

func (s *ReviewQueueService) GetCandidate(ctx context.Context, req *CandidateRequest) (*models.CandidateDetail, error) {
	resp, err := s.reviewer.Detail(ctx, req.CandidateID)
	return respond(s, "GetCandidate", resp, err)
}

func (s *ReviewQueueService) GetSubgraph(ctx context.Context, req *CandidateRequest) (*models.Subgraph, error) {
	resp, err := s.reviewer.Subgraph(ctx, req.CandidateID)
	return respond(s, "GetSubgraph", resp, err)
}

func (s *ReviewQueueService) Verify(ctx context.Context, req *CandidateRequest) (*models.VerificationResponse, error) {
	resp, err := s.reviewer.Verify(ctx, req.CandidateID)
	return respond(s, "Verify", resp, err)
}

func (s *ReviewQueueService) Explain(ctx context.Context, req *CandidateRequest) (*models.VerificationResponse, error) {
	resp, err := s.reviewer.Explain(ctx, req.CandidateID)
	return respond(s, "Explain", resp, err)
}

func (s *ReviewQueueService) SubmitLabel(ctx context.Context, req *SubmitLabelRequest) (*models.LabelResponse, error) {
	resp, err := s.reviewer.SubmitLabel(ctx, req.CandidateID, req.LabelRequest)
	return respond(s, "SubmitLabel", resp, err)
}

func (s *ReviewQueueService) ListLabels(ctx context.Context, req *CandidateRequest) (*models.LabelsResponse, error) {
	resp, err := s.reviewer.Labels(ctx, req.CandidateID)
	return respond(s, "ListLabels", resp, err)
}

func (s *ReviewQueueService) Archive(ctx context.Context, req *CandidateRequest) (*models.Candidate, error) {
	resp, err := s.reviewer.Archive(ctx, req.CandidateID)
	return respond(s, "Archive", resp, err)
}

func (s *ReviewQueueService) LatestRun(ctx context.Context, _ *Empty) (*models.Run, error) {
	resp, err := s.reviewer.LatestRun(ctx)
	return respond(s, "LatestRun", resp, err)
}

// ReviewQueueClient calls the ReviewQueue service.
type ReviewQueueClient struct {
	cc grpc.ClientConnInterface
}

// NewReviewQueueClient builds a client over cc.
func NewReviewQueueClient(cc grpc.ClientConnInterface) *ReviewQueueClient {
	return &ReviewQueueClient{cc: cc}
}

func (c *ReviewQueueClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ReviewQueueServiceName+"/"+method, in, out, opts...)
}

func (c *ReviewQueueClient) ListCandidates(ctx context.Context, in *models.ListCandidatesRequest, opts ...grpc.CallOption) (*models.ListCandidatesResponse, error) {
	out := new(models.ListCandidatesResponse)
	return out, c.invoke(ctx, "ListCandidates", in, out, opts)
}

func (c *ReviewQueueClient) GetCandidate(ctx context.Context, in *CandidateRequest, opts ...grpc.CallOption) (*models.CandidateDetail, error) {
	out := new(models.CandidateDetail)
	return out, c.invoke(ctx, "GetCandidate", in, out, opts)
}

func (c *ReviewQueueClient) GetSubgraph(ctx context.Context, in *CandidateRequest, opts ...grpc.CallOption) (*models.Subgraph, error) {
	out := new(models.Subgraph)
	return out, c.invoke(ctx, "GetSubgraph", in, out, opts)
}

func (c *ReviewQueueClient) Verify(ctx context.Context, in *CandidateRequest, opts ...grpc.CallOption) (*models.VerificationResponse, error) {
	out := new(models.VerificationResponse)
	return out, c.invoke(ctx, "Verify", in, out, opts)
}

func (c *ReviewQueueClient) Explain(ctx context.Context, in *CandidateRequest, opts ...grpc.CallOption) (*models.VerificationResponse, error) {
	out := new(models.VerificationResponse)
	return out, c.invoke(ctx, "Explain", in, out, opts)
}

func (c *ReviewQueueClient) SubmitLabel(ctx context.Context, in *SubmitLabelRequest, opts ...grpc.CallOption) (*models.LabelResponse, error) {
	out := new(models.LabelResponse)
	return out, c.invoke(ctx, "SubmitLabel", in, out, opts)
}

func (c *ReviewQueueClient) ListLabels(ctx context.Context, in *CandidateRequest, opts ...grpc.CallOption) (*models.LabelsResponse, error) {
	out := new(models.LabelsResponse)
	return out, c.invoke(ctx, "ListLabels", in, out, opts)
}

func (c *ReviewQueueClient) Archive(ctx context.Context, in *CandidateRequest, opts ...grpc.CallOption) (*models.Candidate, error) {
	out := new(models.Candidate)
	return out, c.invoke(ctx, "Archive", in, out, opts)
}

func (c *ReviewQueueClient) LatestRun(ctx context.Context, opts ...grpc.CallOption) (*models.Run, error) {
	out := new(models.Run)
	return out, c.invoke(ctx, "LatestRun", &Empty{}, out, opts)
}
