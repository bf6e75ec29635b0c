package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/receipty/receipty/constants"
	"github.com/receipty/receipty/internal/entity"
)

func TestRepository(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Repository Suite")
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openTestStore() *Store {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(GinkgoT().TempDir(), "receipty.db"), zap.NewNop())
	Expect(err).NotTo(HaveOccurred())
	Expect(store.Migrate(ctx)).To(Succeed())
	DeferCleanup(store.Close)
	return store
}

var _ = Describe("ReceiptRepository", func() {
	var (
		ctx    context.Context
		store  *Store
		repo   ReceiptRepository
		userID uuid.UUID
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = openTestStore()
		repo = NewReceiptRepository(store, nil)
		userID = uuid.New()
	})

	Describe("CreatePending and ListPending", func() {
		It("returns pending receipts oldest first", func() {
			first, err := repo.CreatePending(ctx, userID, "first")
			Expect(err).NotTo(HaveOccurred())
			second, err := repo.CreatePending(ctx, userID, "second")
			Expect(err).NotTo(HaveOccurred())

			pending, err := repo.ListPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(2))
			Expect(pending[0].ID).To(Equal(first.ID))
			Expect(pending[0].ExtractedText).To(Equal("first"))
			Expect(pending[0].UserID).To(Equal(userID))
			Expect(pending[0].Merchant).To(BeNil())
			Expect(pending[0].TotalAmount).To(BeNil())
			Expect(pending[1].ID).To(Equal(second.ID))
		})

		It("returns nothing when no receipt is pending", func() {
			pending, err := repo.ListPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})
	})

	Describe("Claim", func() {
		var rec *entity.Receipt

		BeforeEach(func() {
			var err error
			rec, err = repo.CreatePending(ctx, userID, "text")
			Expect(err).NotTo(HaveOccurred())
		})

		It("claims a pending receipt exactly once", func() {
			ok, err := repo.Claim(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = repo.Claim(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			got, err := repo.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(constants.StatusProcessing))
		})

		It("lets only one of many concurrent claimers win", func() {
			results := make(chan bool, 8)
			for i := 0; i < 8; i++ {
				go func() {
					defer GinkgoRecover()
					ok, err := repo.Claim(ctx, rec.ID)
					Expect(err).NotTo(HaveOccurred())
					results <- ok
				}()
			}
			wins := 0
			for i := 0; i < 8; i++ {
				if <-results {
					wins++
				}
			}
			Expect(wins).To(Equal(1))
		})

		It("does not claim unknown receipts", func() {
			ok, err := repo.Claim(ctx, uuid.New())
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Complete", func() {
		var (
			rec    *entity.Receipt
			fields ProcessedFields
			items  []entity.Item
			err    error
		)

		BeforeEach(func() {
			rec, err = repo.CreatePending(ctx, userID, "CARREFOUR")
			Expect(err).NotTo(HaveOccurred())
			fields = ProcessedFields{
				Merchant:    "Carrefour",
				ReceiptDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
				TotalAmount: dec("16.50"),
			}
			items = []entity.Item{
				{Name: "Lait", Price: dec("1.50"), Quantity: 3, Category: constants.Food},
				{Name: "Vin", Price: dec("12.00"), Quantity: 1, Category: constants.Food},
			}
		})

		When("the receipt is processing", func() {
			BeforeEach(func() {
				ok, claimErr := repo.Claim(ctx, rec.ID)
				Expect(claimErr).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
			})

			JustBeforeEach(func() {
				err = repo.Complete(ctx, rec.ID, fields, items)
			})

			It("writes fields, items and status together", func() {
				Expect(err).NotTo(HaveOccurred())

				got, getErr := repo.Get(ctx, rec.ID)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(got.Status).To(Equal(constants.StatusProcessed))
				Expect(*got.Merchant).To(Equal("Carrefour"))
				Expect(*got.ReceiptDate).To(Equal(fields.ReceiptDate))
				Expect(got.TotalAmount.Equal(dec("16.50"))).To(BeTrue())

				stored, listErr := repo.ListItems(ctx, rec.ID)
				Expect(listErr).NotTo(HaveOccurred())
				Expect(stored).To(HaveLen(2))
				Expect(stored[0].Name).To(Equal("Lait"))
				Expect(stored[0].Price.Equal(dec("1.50"))).To(BeTrue())
				Expect(stored[0].Quantity).To(Equal(3))
				Expect(stored[0].Category).To(Equal(constants.Food))
				Expect(stored[1].Price.Equal(dec("12"))).To(BeTrue())
				Expect(stored[0].ReceiptID).To(Equal(rec.ID))
			})

			When("there are no items", func() {
				BeforeEach(func() {
					items = nil
					fields.TotalAmount = decimal.Zero
				})

				It("skips the item insert", func() {
					Expect(err).NotTo(HaveOccurred())
					stored, listErr := repo.ListItems(ctx, rec.ID)
					Expect(listErr).NotTo(HaveOccurred())
					Expect(stored).To(BeEmpty())
				})
			})

			When("an item cannot be inserted", func() {
				BeforeEach(func() {
					dup := uuid.New()
					items[0].ID = dup
					items[1].ID = dup
				})

				It("rolls everything back", func() {
					Expect(err).To(HaveOccurred())

					got, getErr := repo.Get(ctx, rec.ID)
					Expect(getErr).NotTo(HaveOccurred())
					Expect(got.Status).To(Equal(constants.StatusProcessing))
					Expect(got.Merchant).To(BeNil())
					Expect(got.TotalAmount).To(BeNil())

					stored, listErr := repo.ListItems(ctx, rec.ID)
					Expect(listErr).NotTo(HaveOccurred())
					Expect(stored).To(BeEmpty())
				})
			})
		})

		When("the receipt was never claimed", func() {
			JustBeforeEach(func() {
				err = repo.Complete(ctx, rec.ID, fields, items)
			})

			It("refuses with an invalid transition", func() {
				Expect(errors.Is(err, ErrInvalidTransition)).To(BeTrue())
				var te *TransitionError
				Expect(errors.As(err, &te)).To(BeTrue())
				Expect(te.Actual).To(Equal(constants.StatusPending))

				stored, listErr := repo.ListItems(ctx, rec.ID)
				Expect(listErr).NotTo(HaveOccurred())
				Expect(stored).To(BeEmpty())
			})
		})
	})

	Describe("MarkFailed and ResetFailed", func() {
		var rec *entity.Receipt

		BeforeEach(func() {
			var err error
			rec, err = repo.CreatePending(ctx, userID, "text")
			Expect(err).NotTo(HaveOccurred())
		})

		It("only fails processing receipts", func() {
			Expect(errors.Is(repo.MarkFailed(ctx, rec.ID), ErrInvalidTransition)).To(BeTrue())

			_, err := repo.Claim(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.MarkFailed(ctx, rec.ID)).To(Succeed())

			got, err := repo.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(constants.StatusFailed))
		})

		It("resets failed receipts to pending", func() {
			_, err := repo.Claim(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.MarkFailed(ctx, rec.ID)).To(Succeed())
			Expect(repo.ResetFailed(ctx, rec.ID)).To(Succeed())

			pending, err := repo.ListPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
		})

		It("does not reset pending receipts", func() {
			Expect(errors.Is(repo.ResetFailed(ctx, rec.ID), ErrInvalidTransition)).To(BeTrue())
		})

		It("reports unknown receipts", func() {
			Expect(repo.ResetFailed(ctx, uuid.New())).To(MatchError(ErrNotFound))
		})
	})

	Describe("List and CountByStatus", func() {
		BeforeEach(func() {
			for i := 0; i < 3; i++ {
				_, err := repo.CreatePending(ctx, userID, "text")
				Expect(err).NotTo(HaveOccurred())
			}
			other, err := repo.CreatePending(ctx, uuid.New(), "other user")
			Expect(err).NotTo(HaveOccurred())
			_, err = repo.Claim(ctx, other.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("counts receipts per status", func() {
			counts, err := repo.CountByStatus(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(counts).To(Equal(map[constants.ReceiptStatus]int{
				constants.StatusPending:    3,
				constants.StatusProcessing: 1,
			}))
		})

		It("filters by user and limits", func() {
			mine, err := repo.List(ctx, ListFilter{UserID: userID, Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(mine).To(HaveLen(2))

			processing, err := repo.List(ctx, ListFilter{Status: constants.StatusProcessing})
			Expect(err).NotTo(HaveOccurred())
			Expect(processing).To(HaveLen(1))
			Expect(processing[0].ExtractedText).To(Equal("other user"))
		})
	})

	It("reports missing receipts", func() {
		_, err := repo.Get(ctx, uuid.New())
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("maps legacy item categories onto the taxonomy", func() {
		rec, err := repo.CreatePending(ctx, userID, "legacy")
		Expect(err).NotTo(HaveOccurred())
		_, err = store.DB().ExecContext(ctx,
			`INSERT INTO items (id, receipt_id, name, price, quantity, category, position) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.New(), rec.ID, "Pain", "1.20", 1, "Alimentation", 0)
		Expect(err).NotTo(HaveOccurred())

		stored, err := repo.ListItems(ctx, rec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored).To(HaveLen(1))
		Expect(stored[0].Category).To(Equal(constants.Food))
	})
})

var _ = Describe("ExtractJobRepository", func() {
	var (
		ctx  context.Context
		jobs ExtractJobRepository
		rec  *entity.Receipt
	)

	BeforeEach(func() {
		ctx = context.Background()
		store := openTestStore()
		jobs = NewExtractJobRepository(store, nil)
		var err error
		rec, err = NewReceiptRepository(store, nil).CreatePending(ctx, uuid.New(), "text")
		Expect(err).NotTo(HaveOccurred())
	})

	It("records attempts in order", func() {
		first, err := jobs.Start(ctx, rec.ID, "run-1", 1, "openai/gpt-test")
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs.FinishFailure(ctx, first, "extraction", "no tool call", nil)).To(Succeed())

		second, err := jobs.Start(ctx, rec.ID, "run-1", 2, "openai/gpt-test")
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs.FinishSuccess(ctx, second, []byte(`{"merchant":"A"}`))).To(Succeed())

		list, err := jobs.ListByReceipt(ctx, rec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(2))
		Expect(list[0].Status).To(Equal(string(constants.JobStatusFailed)))
		Expect(*list[0].Stage).To(Equal("extraction"))
		Expect(*list[0].ErrorMessage).To(Equal("no tool call"))
		Expect(list[0].FinishedAt).NotTo(BeNil())
		Expect(list[1].Status).To(Equal(string(constants.JobStatusSucceeded)))
		Expect(string(list[1].ExtractedJSON)).To(Equal(`{"merchant":"A"}`))
		Expect(*list[1].ModelName).To(Equal("openai/gpt-test"))
	})
})
