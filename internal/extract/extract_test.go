package extract

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/receipty/receipty/constants"
)

func TestExtract(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Extract Suite")
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func rejectionStep(err error) Step {
	var re *RejectionError
	ExpectWithOffset(1, errors.As(err, &re)).To(BeTrue(), "expected a RejectionError, got %v", err)
	return re.Step
}

var _ = Describe("Validator", func() {
	var (
		validator *Validator
		opts      []Option
		raw       string
		out       *StructuredExtraction
		err       error
	)

	BeforeEach(func() {
		opts = nil
		raw = `{"merchant":"Carrefour","receipt_date":"2024-03-15","total_amount":16.50,
			"items":[{"name":"Lait","quantity":3,"line_amount":4.50,"category":"Food"},
			         {"name":"Vin","quantity":1,"line_amount":"12,00 €","category":"Food"}]}`
	})

	JustBeforeEach(func() {
		var vErr error
		validator, vErr = NewValidator(opts...)
		Expect(vErr).NotTo(HaveOccurred())
		out, err = validator.Validate([]byte(raw))
	})

	When("the extraction is consistent", func() {
		It("returns typed values", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Merchant).To(Equal("Carrefour"))
			Expect(out.ReceiptDate).To(Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)))
			Expect(out.TotalAmount.Equal(dec("16.50"))).To(BeTrue())
			Expect(out.Items).To(HaveLen(2))
			Expect(out.Items[1].LineAmount.Equal(dec("12"))).To(BeTrue())
			Expect(out.Items[0].Category).To(Equal(constants.Food))
		})
	})

	When("a category is omitted or null", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"3.00",
				"items":[{"name":"x","quantity":1,"line_amount":1},{"name":"y","quantity":1,"line_amount":2,"category":null}]}`
		})

		It("falls back to Other", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Items[0].Category).To(Equal(constants.Other))
			Expect(out.Items[1].Category).To(Equal(constants.Other))
		})
	})

	When("the items do not add up to the total", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"20.00",
				"items":[{"name":"x","quantity":1,"line_amount":"10.00"},{"name":"y","quantity":1,"line_amount":"5.00"}]}`
		})

		It("rejects at reconciliation", func() {
			Expect(out).To(BeNil())
			Expect(rejectionStep(err)).To(Equal(StepReconciliation))
			Expect(err.Error()).To(ContainSubstring("15.00"))
			Expect(err.Error()).To(ContainSubstring("20.00"))
		})
	})

	DescribeTable("tolerance boundary",
		func(line string, accepted bool) {
			v, vErr := NewValidator()
			Expect(vErr).NotTo(HaveOccurred())
			doc := `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"10.00",
				"items":[{"name":"x","quantity":1,"line_amount":"` + line + `"}]}`
			_, vErr = v.Validate([]byte(doc))
			if accepted {
				Expect(vErr).NotTo(HaveOccurred())
			} else {
				Expect(rejectionStep(vErr)).To(Equal(StepReconciliation))
			}
		},
		Entry("exact", "10.00", true),
		Entry("0.02 above", "10.02", true),
		Entry("0.02 below", "9.98", true),
		Entry("0.021 above", "10.021", false),
		Entry("0.021 below", "9.979", false),
	)

	When("a custom tolerance is configured", func() {
		BeforeEach(func() {
			opts = []Option{WithTolerance(dec("0.10"))}
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"10.10",
				"items":[{"name":"x","quantity":1,"line_amount":"10.00"}]}`
		})

		It("uses it", func() {
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("an amount is negative", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"1.00",
				"items":[{"name":"x","quantity":1,"line_amount":"-1.00"}]}`
		})

		It("rejects at the numeric step", func() {
			Expect(rejectionStep(err)).To(Equal(StepNumeric))
			Expect(errors.Is(err, ErrNegativeAmount)).To(BeTrue())
		})
	})

	When("the total has more than two decimals", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"10.015",
				"items":[{"name":"x","quantity":1,"line_amount":"10.015"}]}`
		})

		It("rejects at the numeric step", func() {
			Expect(rejectionStep(err)).To(Equal(StepNumeric))
			Expect(err.Error()).To(ContainSubstring("total_amount"))
		})
	})

	When("the total has trailing zeros", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"10.5000",
				"items":[{"name":"x","quantity":1,"line_amount":"10.50"}]}`
		})

		It("accepts it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(out.TotalAmount.Equal(dec("10.50"))).To(BeTrue())
		})
	})

	When("an amount carries an extreme exponent", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":1e-400000000,
				"items":[{"name":"x","quantity":1,"line_amount":0}]}`
		})

		It("rejects at the numeric step without expanding it", func() {
			Expect(rejectionStep(err)).To(Equal(StepNumeric))
			Expect(errors.Is(err, ErrAmountOutOfRange)).To(BeTrue())
		})
	})

	When("a quantity carries an extreme exponent", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"1.00",
				"items":[{"name":"x","quantity":1e-400000000,"line_amount":"1.00"}]}`
		})

		It("rejects it before the schema check", func() {
			Expect(rejectionStep(err)).To(Equal(StepNumeric))
			Expect(err.Error()).To(ContainSubstring("items[0].quantity"))
		})
	})

	When("a quantity is written with a zero fraction", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"6.00",
				"items":[{"name":"x","quantity":2.0,"line_amount":"6.00"}]}`
		})

		It("reads it as a whole quantity", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Items[0].Quantity).To(Equal(2))
		})
	})

	When("an amount is not a number", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"about ten",
				"items":[{"name":"x","quantity":1,"line_amount":"10"}]}`
		})

		It("rejects at the numeric step", func() {
			Expect(rejectionStep(err)).To(Equal(StepNumeric))
		})
	})

	When("the date is not ISO", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"15/03/2024","total_amount":"1",
				"items":[{"name":"x","quantity":1,"line_amount":"1"}]}`
		})

		It("rejects at the date step", func() {
			Expect(rejectionStep(err)).To(Equal(StepDate))
		})
	})

	When("a required field is missing", func() {
		BeforeEach(func() {
			raw = `{"receipt_date":"2024-01-01","total_amount":"1","items":[{"name":"x","quantity":1,"line_amount":"1"}]}`
		})

		It("rejects at the structural step", func() {
			Expect(rejectionStep(err)).To(Equal(StepStructural))
		})
	})

	When("the arguments are not json", func() {
		BeforeEach(func() {
			raw = `merchant: Carrefour`
		})

		It("rejects at the structural step", func() {
			Expect(rejectionStep(err)).To(Equal(StepStructural))
		})
	})

	When("the receipt has no items", func() {
		BeforeEach(func() {
			raw = `{"merchant":"A","receipt_date":"2024-01-01","total_amount":"0.00","items":[]}`
		})

		It("rejects by default", func() {
			Expect(rejectionStep(err)).To(Equal(StepStructural))
		})

		When("empty receipts are allowed", func() {
			BeforeEach(func() {
				opts = []Option{WithAllowEmptyItems(true)}
			})

			It("accepts a zero total", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(out.Items).To(BeEmpty())
			})
		})
	})

	When("two items share a name with different amounts", func() {
		BeforeEach(func() {
			raw = `{"merchant":"Monoprix","receipt_date":"2024-05-02","total_amount":"5.50",
				"items":[{"name":"Baguette","quantity":1,"line_amount":"1.20","category":"Food"},
				         {"name":"Baguette","quantity":1,"line_amount":"4.30","category":"Food"}]}`
		})

		It("keeps them apart", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Items).To(HaveLen(2))
			Expect(out.Items[0].LineAmount.Equal(dec("1.20"))).To(BeTrue())
			Expect(out.Items[1].LineAmount.Equal(dec("4.30"))).To(BeTrue())
		})
	})
})

var _ = Describe("CoerceAmount", func() {
	DescribeTable("accepted inputs",
		func(in any, want string) {
			got, err := CoerceAmount(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Equal(dec(want))).To(BeTrue(), "got %s want %s", got, want)
		},
		Entry("json number", json.Number("12.345"), "12.345"),
		Entry("plain string", "4.50", "4.50"),
		Entry("euro suffix with comma", "12,50 €", "12.50"),
		Entry("currency code prefix", "EUR 3.20", "3.20"),
		Entry("lowercase code", "3.20 usd", "3.20"),
		Entry("pound sign", "£7", "7"),
		Entry("non-breaking space", "1 234,56", "1234.56"),
		Entry("thousands dot", "1.234,56", "1234.56"),
		Entry("thousands comma", "1,234.56", "1234.56"),
		Entry("integer", 3, "3"),
		Entry("float", 0.1, "0.1"),
		Entry("zero", "0", "0"),
		Entry("trailing zeros past the scale", "1.5000000000", "1.5"),
	)

	DescribeTable("rejected inputs",
		func(in any) {
			_, err := CoerceAmount(in)
			Expect(err).To(HaveOccurred())
		},
		Entry("negative", "-1.00"),
		Entry("negative number", json.Number("-0.01")),
		Entry("only a symbol", "€"),
		Entry("nil", nil),
		Entry("bool", true),
		Entry("two commas", "1,2,3"),
		Entry("text", "twelve"),
		Entry("tiny exponent", json.Number("1e-5000000")),
		Entry("tiny exponent string", "1e-400000000"),
		Entry("huge exponent", json.Number("1e400000000")),
		Entry("nine decimals", "0.000000001"),
		Entry("nineteen integer digits", json.Number("1234567890123456789")),
		Entry("overlong digits", json.Number("1.00000000000000000000000000000000000000001")),
	)
})

var _ = Describe("CoerceQuantity", func() {
	DescribeTable("accepted",
		func(in json.Number, want int) {
			got, err := CoerceQuantity(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("integer", json.Number("3"), 3),
		Entry("zero fraction", json.Number("2.0"), 2),
		Entry("exponent form", json.Number("1e1"), 10),
		Entry("trailing zeros", json.Number("4.000"), 4),
	)

	It("rejects a non-zero fraction", func() {
		_, err := CoerceQuantity(json.Number("2.5"))
		Expect(err).To(MatchError(ErrFractionalQuantity))
	})

	DescribeTable("rejected",
		func(in json.Number) {
			_, err := CoerceQuantity(in)
			Expect(err).To(HaveOccurred())
		},
		Entry("zero", json.Number("0")),
		Entry("negative", json.Number("-1")),
		Entry("too many", json.Number("100001")),
		Entry("huge exponent", json.Number("1e400000000")),
		Entry("not a number", json.Number("two")),
	)
})

var _ = Describe("CoerceDate", func() {
	It("accepts ISO strings", func() {
		d, err := CoerceDate(" 2024-02-29 ")
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)))
	})

	It("accepts time values and drops the clock", func() {
		d, err := CoerceDate(time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC))
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	})

	DescribeTable("rejects",
		func(in any) {
			_, err := CoerceDate(in)
			Expect(err).To(HaveOccurred())
		},
		Entry("day first", "01/06/2024"),
		Entry("impossible date", "2023-02-29"),
		Entry("timestamp", "2024-06-01T10:00:00Z"),
		Entry("number", json.Number("20240601")),
		Entry("nil", nil),
		Entry("zero time", time.Time{}),
	)
})

var _ = Describe("UnitPrice", func() {
	It("divides exactly when possible", func() {
		p, err := UnitPrice(dec("4.50"), 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Equal(dec("1.50"))).To(BeTrue())
	})

	It("rounds half up to four places", func() {
		p, err := UnitPrice(dec("0.00025"), 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.String()).To(Equal("0.0003"))

		p, err = UnitPrice(dec("10.00"), 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.String()).To(Equal("3.3333"))

		p, err = UnitPrice(dec("2.00"), 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.String()).To(Equal("0.6667"))
	})

	It("rejects quantities below one", func() {
		_, err := UnitPrice(dec("1"), 0)
		Expect(err).To(HaveOccurred())
	})

	It("rejects negative amounts", func() {
		_, err := UnitPrice(dec("-1"), 1)
		Expect(err).To(HaveOccurred())
	})

	It("reconstructs the line amount within rounding error", func() {
		halfStep := dec("0.00005")
		for _, amount := range []string{"0.01", "1.00", "9.99", "10.00", "123.45", "0.07"} {
			for q := 1; q <= 13; q++ {
				line := dec(amount)
				p, err := UnitPrice(line, q)
				Expect(err).NotTo(HaveOccurred())
				qty := decimal.NewFromInt(int64(q))
				gap := p.Mul(qty).Sub(line).Abs()
				Expect(gap.LessThanOrEqual(halfStep.Mul(qty))).To(BeTrue(),
					"amount %s qty %d unit %s gap %s", amount, q, p, gap)
			}
		}
	})
})

var _ = Describe("NormalizedItems", func() {
	It("prices the Carrefour receipt per unit", func() {
		s := &StructuredExtraction{
			Merchant:    "Carrefour",
			TotalAmount: dec("16.50"),
			Items: []ExtractedLine{
				{Name: "Lait", Quantity: 3, LineAmount: dec("4.50"), Category: constants.Food},
				{Name: "Vin", Quantity: 1, LineAmount: dec("12.00"), Category: constants.Food},
			},
		}
		items, err := s.NormalizedItems()
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(2))
		Expect(items[0].Price.Equal(dec("1.50"))).To(BeTrue())
		Expect(items[0].Quantity).To(Equal(3))
		Expect(items[1].Price.Equal(dec("12.00"))).To(BeTrue())
		Expect(s.ItemsSum().Equal(dec("16.50"))).To(BeTrue())
	})
})
