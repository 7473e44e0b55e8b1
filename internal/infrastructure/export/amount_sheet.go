package export

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/trip-allowance/internal/domain/allowance"
	"github.com/garyjia/trip-allowance/internal/domain/entity"
)

// ErrNoAmount is returned when exporting a trip without an amount record
var ErrNoAmount = errors.New("trip has no amount record")

// ContentType of the generated workbook
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Config holds export settings
type Config struct {
	CompanyName string
	SheetName   string
}

// AmountSheet renders a trip's allowance breakdown as an .xlsx workbook
type AmountSheet struct {
	companyName string
	sheetName   string
	logger      *zap.Logger
}

// NewAmountSheet creates a new amount sheet writer
func NewAmountSheet(cfg Config, logger *zap.Logger) *AmountSheet {
	if cfg.SheetName == "" {
		cfg.SheetName = "Allowance"
	}
	return &AmountSheet{
		companyName: cfg.CompanyName,
		sheetName:   cfg.SheetName,
		logger:      logger,
	}
}

// SheetName returns the worksheet the breakdown is written to
func (a *AmountSheet) SheetName() string {
	return a.sheetName
}

// FileName suggests a download name for the trip's workbook
func FileName(trip *entity.Trip) string {
	name := trip.Number
	if name == "" {
		name = trip.ID
	}
	return fmt.Sprintf("allowance-%s.xlsx", name)
}

// Write renders the trip's stored amount to w. Totals are recomputed from
// the stored inputs and rounded as they are when saved.
func (a *AmountSheet) Write(w io.Writer, trip *entity.Trip) error {
	if !trip.HasAmount() {
		return ErrNoAmount
	}

	rec := allowance.AmountRecordFromMap(trip.Amount())
	totals := allowance.ComputeBreakdown(rec.Inputs).Rounded()

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), a.sheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	styles, err := newSheetStyles(f)
	if err != nil {
		return err
	}

	s := &sheetWriter{f: f, sheet: a.sheetName, logger: a.logger, row: 1}

	s.title(styles.title, "Trip Allowance")
	if a.companyName != "" {
		s.pair("Company", a.companyName)
	}
	s.pair("Trip Number", trip.Number)
	s.pair("Assigned To", trip.AssignedName)
	s.pair("Destination", trip.Destination)
	s.pair("Departure", trip.DepartISO())
	s.pair("Status", trip.StatusTripDocument)
	s.blank()

	s.section(styles.header, "Inputs")
	s.pair("Transport Multiplier", rec.Inputs.TransportMultiplier)
	s.money(styles.money, "Local Transport Allowance", rec.Inputs.LocalTransportAllowance)
	s.money(styles.money, "Meal Allowance", rec.Inputs.MealAllowance)
	s.pair("Meal Multiplier", rec.Inputs.MealMultiplier)
	s.percent(styles.percent, "Meal Percentage", rec.Inputs.MealPercentage)
	s.money(styles.money, "Pocket Allowance", rec.Inputs.PocketAllowance)
	s.pair("Pocket Multiplier", rec.Inputs.PocketMultiplier)
	s.pair("Local Transport Multiplier", rec.Inputs.LocalTransportMultiplier)
	s.percent(styles.percent, "Local Transport Percentage", rec.Inputs.LocalTransportPercentage)
	s.blank()

	s.section(styles.header, "Totals")
	s.money(styles.money, "Total Transport Allowance", totals.TotalTransportAllowance)
	s.money(styles.money, "Total Meal Allowance", totals.TotalMealAllowance)
	s.money(styles.money, "Total Pocket Allowance", totals.TotalPocketAllowance)
	s.money(styles.money, "Total Local Transport", totals.TotalLocalTransport)
	s.money(styles.total, "Total Approved Amount", totals.TotalApprovedAmount)
	s.blank()

	if !rec.Fx.IsZero() {
		s.section(styles.header, "Exchange Rate")
		s.pair("Pair", rec.Fx.Base+"/"+rec.Fx.Quote)
		s.pair("Mid Rate", rec.Fx.Mid)
		s.pair("As Of", rec.Fx.AsOf)
		s.pair("Source", rec.Fx.Source)
		s.blank()
	}

	s.section(styles.header, "Audit")
	s.pair("Created By", rec.CreatedBy)
	s.pair("Updated By", rec.UpdatedBy)
	if rec.UpdatedAt != nil {
		s.pair("Updated At", rec.UpdatedAt.UTC().Format(time.RFC3339))
	}

	if err := f.SetColWidth(a.sheetName, "A", "A", 30); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetColWidth(a.sheetName, "B", "C", 20); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	a.logger.Info("Amount sheet exported",
		zap.String("trip_id", trip.ID),
		zap.Float64("total_approved_amount", totals.TotalApprovedAmount))
	return nil
}

type sheetStyles struct {
	title   int
	header  int
	money   int
	total   int
	percent int
}

func newSheetStyles(f *excelize.File) (*sheetStyles, error) {
	moneyFmt := `"Rp" #,##0`
	styles := &sheetStyles{}
	defs := map[*int]*excelize.Style{
		&styles.title:   {Font: &excelize.Font{Bold: true, Size: 14}},
		&styles.header:  {Font: &excelize.Font{Bold: true}},
		&styles.money:   {CustomNumFmt: &moneyFmt},
		&styles.total:   {CustomNumFmt: &moneyFmt, Font: &excelize.Font{Bold: true}},
		&styles.percent: {NumFmt: 9},
	}

	for dst, style := range defs {
		id, err := f.NewStyle(style)
		if err != nil {
			return nil, fmt.Errorf("failed to create style: %w", err)
		}
		*dst = id
	}
	return styles, nil
}

// sheetWriter appends label/value rows to a worksheet
type sheetWriter struct {
	f      *excelize.File
	sheet  string
	logger *zap.Logger
	row    int
}

func (s *sheetWriter) cell(col string) string {
	return fmt.Sprintf("%s%d", col, s.row)
}

func (s *sheetWriter) set(col string, value interface{}) {
	if err := s.f.SetCellValue(s.sheet, s.cell(col), value); err != nil {
		s.logger.Warn("Failed to set cell value",
			zap.String("sheet", s.sheet),
			zap.String("cell", s.cell(col)),
			zap.Error(err))
	}
}

func (s *sheetWriter) style(col string, styleID int) {
	if err := s.f.SetCellStyle(s.sheet, s.cell(col), s.cell(col), styleID); err != nil {
		s.logger.Warn("Failed to set cell style", zap.String("cell", s.cell(col)), zap.Error(err))
	}
}

func (s *sheetWriter) title(styleID int, text string) {
	s.set("A", text)
	s.style("A", styleID)
	s.row += 2
}

func (s *sheetWriter) section(styleID int, text string) {
	s.set("A", text)
	s.style("A", styleID)
	s.row++
}

func (s *sheetWriter) pair(label string, value interface{}) {
	s.set("A", label)
	s.set("B", value)
	s.row++
}

// money writes the amount as a number and, beside it, as displayed text
func (s *sheetWriter) money(styleID int, label string, v float64) {
	s.set("A", label)
	s.set("B", v)
	s.style("B", styleID)
	s.set("C", allowance.FormatIDR(v))
	s.row++
}

func (s *sheetWriter) percent(styleID int, label string, v float64) {
	s.set("A", label)
	s.set("B", v)
	s.style("B", styleID)
	s.row++
}

func (s *sheetWriter) blank() {
	s.row++
}
