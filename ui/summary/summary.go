// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary renders tables describing a ResNeXt model: its architecture stage by stage, and the
// variables created for it in a context.
package summary

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/resnext/pkg/resnext"
	"github.com/muesli/termenv"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true).MarginTop(1)

	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// DetectColors configures the styles of the rendered tables to what the terminal of f supports.
// If f is not a terminal, tables are rendered as plain text.
func DetectColors(f *os.File) {
	lipgloss.SetColorProfile(termenv.NewOutput(f).EnvColorProfile())
}

// PlainText disables colors and text styles in the rendered tables.
func PlainText() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// newTable creates a table with a header, using the alignments per column (the last one is repeated).
func newTable(headers []string, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// StageInfo describes one stage of a ResNeXt backbone.
type StageInfo struct {
	Blocks int

	// Planes is the base width of the stage, the bottleneck output has Planes*resnext.Expansion channels.
	Planes int

	// InnerWidth is the number of channels of the grouped convolution.
	InnerWidth int

	OutputChannels int
	Stride         int
}

// Stages returns the stages of the model backbone.
func Stages(model *resnext.Model) []StageInfo {
	blocks := model.StageBlocks()
	stages := make([]StageInfo, len(blocks))
	for ii, numBlocks := range blocks {
		planes := resnext.StageWidths[ii]
		stride := 2
		if ii == 0 {
			stride = 1
		}
		stages[ii] = StageInfo{
			Blocks:         numBlocks,
			Planes:         planes,
			InnerWidth:     resnext.InnerWidth(planes, model.Cardinality, model.BaseWidth),
			OutputChannels: planes * resnext.Expansion,
			Stride:         stride,
		}
	}
	return stages
}

// ModelTable renders the architecture of the model.
func ModelTable(model *resnext.Model) string {
	var sb strings.Builder
	stem := resnext.StemImageNet
	if model.Kind == resnext.KindCifar {
		stem = resnext.StemCifar
	}
	_, _ = fmt.Fprintln(&sb, titleStyle.Render(fmt.Sprintf("Model %s", model.Name)))
	_, _ = fmt.Fprintf(&sb, "kind=%s, stem=%s, cardinality=%d, base width=%d, classes=%d, input=%dx%d\n",
		model.Kind, stem, model.Cardinality, model.BaseWidth, model.NumClasses, model.InputSize, model.InputSize)
	if model.Kind == resnext.KindSpatialTransform {
		cfg := model.SpatialTransformConfig()
		_, _ = fmt.Fprintf(&sb, "glimpses=%d of %dx%d, use_448px=%v, descriptor width=%s\n",
			cfg.NumTransformers, cfg.OutHeight, cfg.OutWidth, cfg.Use448px, humanize.Comma(int64(cfg.DescriptorWidth())))
	}
	table := newTable([]string{"stage", "blocks", "planes", "group conv width", "output channels", "stride"},
		lipgloss.Left, lipgloss.Right)
	for ii, stage := range Stages(model) {
		table.Row(fmt.Sprintf("stage_%d", ii+1), fmt.Sprint(stage.Blocks), fmt.Sprint(stage.Planes),
			fmt.Sprintf("%d x %d", model.Cardinality, stage.InnerWidth/model.Cardinality),
			fmt.Sprint(stage.OutputChannels), fmt.Sprint(stage.Stride))
	}
	sb.WriteString(table.Render())
	sb.WriteString("\n")
	return sb.String()
}

// ScopeStats are the totals of the variables under a scope.
type ScopeStats struct {
	Scope      string
	Variables  int
	Parameters int
	Bytes      uintptr
}

// VariablesByScope groups the variables of ctx by their scope truncated to depth levels, e.g. with depth 2,
// the variables of "/model/stage_1/block_0/conv_reduce" are accounted to "/model/stage_1".
// Scopes are returned sorted.
func VariablesByScope(ctx *context.Context, depth int) []ScopeStats {
	statsMap := make(map[string]*ScopeStats)
	for v := range ctx.IterVariables() {
		parts := strings.Split(strings.TrimPrefix(v.Scope(), context.ScopeSeparator), context.ScopeSeparator)
		if len(parts) > depth {
			parts = parts[:depth]
		}
		key := context.ScopeSeparator + strings.Join(parts, context.ScopeSeparator)
		stats, found := statsMap[key]
		if !found {
			stats = &ScopeStats{Scope: key}
			statsMap[key] = stats
		}
		stats.Variables++
		stats.Parameters += v.Shape().Size()
		stats.Bytes += v.Shape().Memory()
	}
	all := make([]ScopeStats, 0, len(statsMap))
	for _, stats := range statsMap {
		all = append(all, *stats)
	}
	slices.SortFunc(all, func(a, b ScopeStats) int { return strings.Compare(a.Scope, b.Scope) })
	return all
}

// VariablesTable renders the variables of ctx grouped by scope (see VariablesByScope), with a total row.
func VariablesTable(ctx *context.Context, depth int) string {
	var sb strings.Builder
	_, _ = fmt.Fprintln(&sb, titleStyle.Render("Variables"))
	table := newTable([]string{"scope", "# variables", "# parameters", "memory"}, lipgloss.Left, lipgloss.Right)
	var total ScopeStats
	for _, stats := range VariablesByScope(ctx, depth) {
		table.Row(stats.Scope, humanize.Comma(int64(stats.Variables)), humanize.Comma(int64(stats.Parameters)),
			humanize.IBytes(uint64(stats.Bytes)))
		total.Variables += stats.Variables
		total.Parameters += stats.Parameters
		total.Bytes += stats.Bytes
	}
	table.Row("total", humanize.Comma(int64(total.Variables)), humanize.Comma(int64(total.Parameters)),
		humanize.IBytes(uint64(total.Bytes)))
	sb.WriteString(table.Render())
	sb.WriteString("\n")
	return sb.String()
}
