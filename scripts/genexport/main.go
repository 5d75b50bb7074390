// Command genexport writes a synthetic extraction export for local seeding.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type value map[string]any

func wrap(v any) value {
	return value{"value": v}
}

var (
	vendors = []struct{ name, category, currency string }{
		{"Acme Supplies GmbH", "Office", "€"},
		{"Globex Logistics", "Freight", "EUR"},
		{"Initech Software", "Software", "$"},
		{"Umbrella Cleaning", "Facilities", "EUR"},
		{"Stark Hardware", "IT Equipment", "USD"},
		{"Wayne Consulting", "Consulting", "EUR"},
	}
	customers = []string{"Flowbit AG", "Flowbit Labs GmbH", "Flowbit Inc."}
	statuses  = []string{"paid", "unpaid", "partial", "overdue"}
)

func main() {
	out := flag.String("out", "", "output file (default stdout)")
	count := flag.Int("n", 200, "number of records")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	records := make([]value, 0, *count)
	for i := 0; i < *count; i++ {
		records = append(records, record(rng, i, start))
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("create %s: %v", *out, err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		log.Fatalf("encode export: %v", err)
	}
	if *out != "" {
		fmt.Fprintf(os.Stderr, "→ wrote %d records to %s\n", *count, *out)
	}
}

func record(rng *rand.Rand, i int, start time.Time) value {
	vendor := vendors[rng.Intn(len(vendors))]
	issued := start.AddDate(0, 0, rng.Intn(540))
	due := issued.AddDate(0, 0, 14+rng.Intn(30))
	status := statuses[rng.Intn(len(statuses))]

	var items []value
	subtotal := decimal.Zero
	for n := 1 + rng.Intn(4); n > 0; n-- {
		qty := decimal.NewFromInt(int64(1 + rng.Intn(10)))
		unit := decimal.New(int64(500+rng.Intn(50000)), -2)
		total := qty.Mul(unit)
		subtotal = subtotal.Add(total)
		items = append(items, value{
			"description": wrap(fmt.Sprintf("%s item %d", vendor.category, n)),
			"quantity":    wrap(qty.IntPart()),
			"unitPrice":   wrap(unit.InexactFloat64()),
			"totalPrice":  wrap(total.InexactFloat64()),
			"Sachkonto":   wrap(fmt.Sprintf("%d", 4000+rng.Intn(900))),
		})
	}
	tax := subtotal.Mul(decimal.NewFromFloat(0.19)).Round(2)
	total := subtotal.Add(tax)

	id := uuid.New().String()
	payment := value{
		"paymentStatus": wrap(status),
		"paymentMethod": wrap("bank_transfer"),
	}
	if status == "paid" {
		payment["paymentDate"] = wrap(due.AddDate(0, 0, -rng.Intn(10)).Format("2006-01-02"))
	}

	return value{
		"_id":       value{"$oid": fmt.Sprintf("%024x", i+1)},
		"name":      fmt.Sprintf("invoice-%05d.pdf", i+1),
		"filePath":  fmt.Sprintf("uploads/%s/invoice-%05d.pdf", id, i+1),
		"createdAt": issued.Add(26 * time.Hour).Format(time.RFC3339),
		"metadata": value{
			"uploadedAt":       issued.Add(25 * time.Hour).Format(time.RFC3339),
			"originalFileName": fmt.Sprintf("invoice-%05d.pdf", i+1),
			"fileSize":         20000 + rng.Intn(400000),
		},
		"extractedData": value{"llmData": value{
			"invoice": wrap(value{
				"invoiceId":   wrap(fmt.Sprintf("INV-%d-%05d", issued.Year(), i+1)),
				"invoiceDate": wrap(issued.Format("2006-01-02")),
				"dueDate":     wrap(due.Format("2006-01-02")),
			}),
			"vendor": wrap(value{
				"vendorName":     wrap(vendor.name),
				"vendorCategory": wrap(vendor.category),
			}),
			"customer": wrap(value{
				"customerName": wrap(customers[rng.Intn(len(customers))]),
			}),
			"payment": wrap(payment),
			"summary": wrap(value{
				"subTotal":       wrap(subtotal.StringFixed(2)),
				"totalTax":       wrap(tax.StringFixed(2)),
				"invoiceTotal":   wrap(total.StringFixed(2)),
				"currencySymbol": wrap(vendor.currency),
			}),
			"lineItems": wrap(value{"items": wrap(items)}),
		}},
	}
}
