package api

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

func newBufClient(t *testing.T, reviewer Reviewer) *ReviewQueueClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterReviewQueueServer(srv, NewReviewQueueService(reviewer, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewReviewQueueClient(conn)
}

func TestReviewQueueRoundTrip(t *testing.T) {
	reviewer := newFakeReviewer()
	client := newBufClient(t, reviewer)
	ctx := context.Background()

	list, err := client.ListCandidates(ctx, &models.ListCandidatesRequest{Status: models.StatusOpen, Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Total != 1 || list.Items[0].ID != "c1" || reviewer.lastList.Limit != 5 {
		t.Fatalf("unexpected list %+v", list)
	}

	label, err := client.SubmitLabel(ctx, &SubmitLabelRequest{
		CandidateID:  "c1",
		LabelRequest: models.LabelRequest{Label: models.LabelReject, ReasonCode: "refund"},
	})
	if err != nil {
		t.Fatalf("label: %v", err)
	}
	if label.Candidate.Status != models.StatusReviewed || reviewer.lastLabel.ReasonCode != "refund" {
		t.Fatalf("unexpected label response %+v", label)
	}

	run, err := client.LatestRun(ctx)
	if err != nil || run.ID != "run-1" {
		t.Fatalf("latest run: %+v, %v", run, err)
	}
}

func TestReviewQueueStatusCodes(t *testing.T) {
	reviewer := newFakeReviewer()
	client := newBufClient(t, reviewer)
	ctx := context.Background()

	_, err := client.GetCandidate(ctx, &CandidateRequest{CandidateID: "nope"})
	if status.Code(err) != codes.NotFound || CodeFromStatus(err) != utils.CodeCandidateNotFound {
		t.Fatalf("expected NotFound with candidate_not_found, got %v", err)
	}

	reviewer.verifyErr = utils.NewCodedError(utils.CodeDailyLimit, "verify", "daily limit of 20 reached", nil)
	_, err = client.Verify(ctx, &CandidateRequest{CandidateID: "c1"})
	if status.Code(err) != codes.ResourceExhausted || CodeFromStatus(err) != utils.CodeDailyLimit {
		t.Fatalf("expected ResourceExhausted with llm_daily_limit_reached, got %v", err)
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	cases := map[utils.Code]codes.Code{
		utils.CodeInvalidRequest:    codes.InvalidArgument,
		utils.CodeInvalidTransition: codes.FailedPrecondition,
		utils.CodeLLMTimeout:        codes.DeadlineExceeded,
		utils.CodeLLMSchema:         codes.Unavailable,
		utils.CodeSchemaViolation:   codes.Internal,
	}
	for in, want := range cases {
		if got := GRPCCode(in); got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
}
