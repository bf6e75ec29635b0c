package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/receipty/receipty/constants"
	"github.com/receipty/receipty/internal/async"
	"github.com/receipty/receipty/internal/entity"
	"github.com/receipty/receipty/internal/export"
	"github.com/receipty/receipty/internal/pipeline"
	"github.com/receipty/receipty/internal/repository"
	"github.com/receipty/receipty/internal/runs"
)

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Server Suite")
}

type fakeBatches struct {
	runs       *runs.MemoryStore
	triggerErr error
}

func (f *fakeBatches) Trigger(ctx context.Context) (string, error) {
	if f.triggerErr != nil {
		return "", f.triggerErr
	}
	id := uuid.New().String()
	return id, f.runs.Save(ctx, &runs.Run{ID: id, Status: runs.StatusRunning, StartedAt: time.Now().UTC()})
}

func (f *fakeBatches) Get(ctx context.Context, runID string) (*runs.Run, error) {
	return f.runs.Get(ctx, runID)
}

type fakePinger struct{ err error }

func (f *fakePinger) HealthCheck(context.Context, time.Duration) error { return f.err }

func codeOf(err error) codes.Code {
	return status.Code(err)
}

var _ = Describe("BatchService", func() {
	var (
		ctx      context.Context
		store    *repository.Store
		receipts repository.ReceiptRepository
		batches  *fakeBatches
		client   *BatchClient
		userID   uuid.UUID
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		store, err = repository.OpenSQLite(ctx, filepath.Join(GinkgoT().TempDir(), "server.db"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Migrate(ctx)).To(Succeed())
		DeferCleanup(store.Close)
		receipts = repository.NewReceiptRepository(store, nil)
		batches = &fakeBatches{runs: runs.NewMemoryStore()}
		userID = uuid.New()

		lis := bufconn.Listen(1 << 20)
		srv := grpc.NewServer()
		RegisterBatchServiceServer(srv, NewBatchServer(batches, receipts, export.NewService(receipts, nil), nil))
		go func() { _ = srv.Serve(lis) }()
		DeferCleanup(srv.Stop)

		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(conn.Close)
		client = NewBatchClient(conn)
	})

	processed := func(text string) *entity.Receipt {
		rec, err := receipts.CreatePending(ctx, userID, text)
		Expect(err).NotTo(HaveOccurred())
		ok, err := receipts.Claim(ctx, rec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(receipts.Complete(ctx, rec.ID, repository.ProcessedFields{
			Merchant:    "Carrefour",
			ReceiptDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
			TotalAmount: decimal.RequireFromString("16.50"),
		}, []entity.Item{
			{Name: "Lait", Price: decimal.RequireFromString("1.50"), Quantity: 3, Category: constants.Food},
			{Name: "Vin", Price: decimal.RequireFromString("12.00"), Quantity: 1, Category: constants.Food},
		})).To(Succeed())
		return rec
	}

	failed := func(text string) *entity.Receipt {
		rec, err := receipts.CreatePending(ctx, userID, text)
		Expect(err).NotTo(HaveOccurred())
		_, err = receipts.Claim(ctx, rec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(receipts.MarkFailed(ctx, rec.ID)).To(Succeed())
		return rec
	}

	Describe("StartBatch and GetBatchRun", func() {
		It("starts a run and reports it", func() {
			started, err := client.StartBatch(ctx)
			Expect(err).NotTo(HaveOccurred())
			runID := started.GetFields()["run_id"].GetStringValue()
			Expect(runID).NotTo(BeEmpty())
			Expect(started.GetFields()["status"].GetStringValue()).To(Equal("running"))

			finished := time.Now().UTC()
			Expect(batches.runs.Save(ctx, &runs.Run{
				ID: runID, Status: runs.StatusCompleted, FinishedAt: &finished,
				Summary: pipeline.Summary{RunID: runID, Attempted: 3, Succeeded: 2, Failures: []pipeline.ReceiptFailure{
					{ReceiptID: "r-2", Stage: "extraction", Message: "no tool call"},
				}},
			})).To(Succeed())

			run, err := client.GetBatchRun(ctx, runID)
			Expect(err).NotTo(HaveOccurred())
			f := run.GetFields()
			Expect(f["status"].GetStringValue()).To(Equal("completed"))
			Expect(f["attempted"].GetNumberValue()).To(Equal(3.0))
			Expect(f["succeeded"].GetNumberValue()).To(Equal(2.0))
			Expect(f["failed"].GetNumberValue()).To(Equal(1.0))
			failures := f["failures"].GetListValue().GetValues()
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].GetStructValue().GetFields()["stage"].GetStringValue()).To(Equal("extraction"))
			Expect(f).To(HaveKey("finished_at"))
		})

		It("maps a full queue to ResourceExhausted", func() {
			batches.triggerErr = async.ErrQueueFull
			_, err := client.StartBatch(ctx)
			Expect(codeOf(err)).To(Equal(codes.ResourceExhausted))
		})

		It("rejects malformed run ids", func() {
			_, err := client.GetBatchRun(ctx, "nope")
			Expect(codeOf(err)).To(Equal(codes.InvalidArgument))
		})

		It("reports unknown runs as NotFound", func() {
			_, err := client.GetBatchRun(ctx, uuid.New().String())
			Expect(codeOf(err)).To(Equal(codes.NotFound))
		})
	})

	Describe("ListReceipts", func() {
		var done, broken *entity.Receipt

		BeforeEach(func() {
			done = processed("CARREFOUR")
			broken = failed("GARBLED")
		})

		It("filters by status and includes items on request", func() {
			out, err := client.ListReceipts(ctx, map[string]any{"status": "processed", "include_items": true})
			Expect(err).NotTo(HaveOccurred())
			list := out.GetFields()["receipts"].GetListValue().GetValues()
			Expect(list).To(HaveLen(1))
			rec := list[0].GetStructValue().GetFields()
			Expect(rec["id"].GetStringValue()).To(Equal(done.ID.String()))
			Expect(rec["merchant"].GetStringValue()).To(Equal("Carrefour"))
			Expect(rec["receipt_date"].GetStringValue()).To(Equal("2024-03-15"))
			Expect(rec["total_amount"].GetStringValue()).To(Equal("16.50"))
			items := rec["items"].GetListValue().GetValues()
			Expect(items).To(HaveLen(2))
			Expect(items[0].GetStructValue().GetFields()["line_total"].GetStringValue()).To(Equal("4.50"))
		})

		It("lists everything without a filter", func() {
			out, err := client.ListReceipts(ctx, map[string]any{})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.GetFields()["receipts"].GetListValue().GetValues()).To(HaveLen(2))
		})

		It("rejects unknown statuses", func() {
			_, err := client.ListReceipts(ctx, map[string]any{"status": "archived"})
			Expect(codeOf(err)).To(Equal(codes.InvalidArgument))
		})

		It("rejects bad dates", func() {
			_, err := client.ListReceipts(ctx, map[string]any{"from_date": "15/03/2024"})
			Expect(codeOf(err)).To(Equal(codes.InvalidArgument))
		})

		It("rejects overlong filters before parsing them", func() {
			_, err := client.ListReceipts(ctx, map[string]any{
				"status":    strings.Repeat("p", 200),
				"from_date": "2024-03-01T00:00:00Z",
			})
			Expect(codeOf(err)).To(Equal(codes.InvalidArgument))
			st, _ := status.FromError(err)
			Expect(st.Message()).To(ContainSubstring("'status'"))
			Expect(st.Message()).To(ContainSubstring("at most 32 characters"))
			Expect(st.Message()).To(ContainSubstring("'from_date'"))
		})

		Describe("ResetReceipt", func() {
			It("moves a failed receipt back to pending", func() {
				out, err := client.ResetReceipt(ctx, broken.ID.String())
				Expect(err).NotTo(HaveOccurred())
				Expect(out.GetFields()["status"].GetStringValue()).To(Equal("pending"))
				got, err := receipts.Get(ctx, broken.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Status).To(Equal(constants.StatusPending))
			})

			It("refuses to reset a processed receipt", func() {
				_, err := client.ResetReceipt(ctx, done.ID.String())
				Expect(codeOf(err)).To(Equal(codes.FailedPrecondition))
			})

			It("reports unknown receipts as NotFound", func() {
				_, err := client.ResetReceipt(ctx, uuid.New().String())
				Expect(codeOf(err)).To(Equal(codes.NotFound))
			})

			It("rejects malformed ids", func() {
				_, err := client.ResetReceipt(ctx, "42")
				Expect(codeOf(err)).To(Equal(codes.InvalidArgument))
			})
		})

		Describe("ExportReceipts", func() {
			It("returns a workbook of processed receipts", func() {
				b, err := client.ExportReceipts(ctx)
				Expect(err).NotTo(HaveOccurred())
				f, err := excelize.OpenReader(bytes.NewReader(b))
				Expect(err).NotTo(HaveOccurred())
				defer f.Close()
				rows, err := f.GetRows(export.ItemsSheet)
				Expect(err).NotTo(HaveOccurred())
				Expect(rows).To(HaveLen(3))
			})
		})
	})
})

var _ = Describe("toStatus", func() {
	DescribeTable("maps domain errors",
		func(err error, code codes.Code) {
			Expect(status.Code(toStatus(err))).To(Equal(code))
		},
		Entry("receipt not found", repository.ErrNotFound, codes.NotFound),
		Entry("run not found", runs.ErrNotFound, codes.NotFound),
		Entry("transition", &repository.TransitionError{Actual: constants.StatusProcessed}, codes.FailedPrecondition),
		Entry("shutting down", async.ErrShuttingDown, codes.Unavailable),
		Entry("deadline", context.DeadlineExceeded, codes.DeadlineExceeded),
		Entry("anything else", errors.New("boom"), codes.Internal),
		Entry("already a status", status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied),
	)
})

var _ = Describe("WatchDatabase", func() {
	It("follows database reachability", func() {
		hs := health.NewServer()
		pinger := &fakePinger{}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			WatchDatabase(ctx, hs, pinger, 10*time.Millisecond, time.Second, nil)
		}()
		DeferCleanup(func() { cancel(); <-done })

		check := func() healthpb.HealthCheckResponse_ServingStatus {
			resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
			if err != nil {
				return healthpb.HealthCheckResponse_UNKNOWN
			}
			return resp.GetStatus()
		}
		Eventually(check).Should(Equal(healthpb.HealthCheckResponse_SERVING))
	})

	It("reports NOT_SERVING when the ping fails", func() {
		hs := health.NewServer()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			WatchDatabase(ctx, hs, &fakePinger{err: errors.New("down")}, 10*time.Millisecond, time.Second, nil)
		}()
		DeferCleanup(func() { cancel(); <-done })

		Eventually(func() healthpb.HealthCheckResponse_ServingStatus {
			resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
			if err != nil {
				return healthpb.HealthCheckResponse_UNKNOWN
			}
			return resp.GetStatus()
		}).Should(Equal(healthpb.HealthCheckResponse_NOT_SERVING))
	})
})
