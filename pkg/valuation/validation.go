package valuation

import (
	"regexp"
	"strconv"
	"strings"
)

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateCompany validates a company identifier.
func ValidateCompany(company string) error {
	if company == "" {
		return ErrCompanyRequired
	}
	if len(company) > 255 {
		return NewValidationError("company", "company is too long", company)
	}
	if !identifierPattern.MatchString(company) {
		return NewValidationError("company", "company contains invalid characters", company)
	}
	return nil
}

// ValidateProductNumber validates a product number. An empty value is
// accepted when required is false (company-wide operations).
func ValidateProductNumber(productNumber string, required bool) error {
	if productNumber == "" {
		if required {
			return NewValidationError("product_number", "product number is empty", productNumber)
		}
		return nil
	}
	if len(productNumber) > 255 {
		return NewValidationError("product_number", "product number is too long", productNumber)
	}
	if !identifierPattern.MatchString(productNumber) {
		return NewValidationError("product_number", "product number contains invalid characters", productNumber)
	}
	return nil
}

// ValidateExtractRow validates one parsed ground-truth row before it
// enters a comparison.
func ValidateExtractRow(row ExtractRow) error {
	if strings.TrimSpace(row.EAN) == "" {
		return NewValidationError("ean", "EAN is empty", row.EAN)
	}
	if row.Quantity < 0 {
		return NewValidationError("quantity", "quantity must not be negative", formatInt(row.Quantity))
	}
	if row.UnitCost.IsNegative() {
		return NewValidationError("unit_cost", "unit cost must not be negative", row.UnitCost.String())
	}
	return nil
}
