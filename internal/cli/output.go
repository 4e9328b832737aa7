package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
)

// printer renders command results as a table or indented JSON.
type printer struct {
	w      io.Writer
	format string
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	writeRow(tw, headers)
	for _, row := range rows {
		writeRow(tw, row)
	}
	return tw.Flush()
}

func writeRow(w io.Writer, cols []string) {
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}

var channelHeaders = []string{"CHANNEL", "IDENTIFIER", "URL", "MODIFIER", "STATUS", "ORDER"}

func channelRow(ch channel.Channel) []string {
	return []string{
		strconv.FormatInt(ch.ChannelID, 10),
		ch.Identifier,
		ch.URL,
		string(ch.Modifier),
		strconv.FormatInt(ch.Status, 10),
		strconv.FormatInt(ch.DisplayOrder, 10),
	}
}

func (p printer) channels(channels []channel.Channel) error {
	if p.format == "json" {
		return p.json(channels)
	}
	rows := make([][]string, 0, len(channels))
	for _, ch := range channels {
		rows = append(rows, channelRow(ch))
	}
	return p.table(channelHeaders, rows)
}

func (p printer) grant(g *channel.AccessGrant) error {
	if p.format == "json" {
		return p.json(g)
	}
	return p.table(
		[]string{"CHANNEL", "ROLE", "STATUS", "ALLOW", "METHOD"},
		[][]string{{
			strconv.FormatInt(g.ChannelID, 10),
			strconv.FormatInt(g.RoleID, 10),
			strconv.FormatInt(g.Status, 10),
			strconv.FormatInt(g.Allow, 10),
			g.Method,
		}},
	)
}
