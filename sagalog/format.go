package sagalog

import (
	"fmt"
	"sort"
	"strings"
)

func formatLine(e Entry) string {
	var b strings.Builder
	b.WriteString(e.At.UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(e.Level.String()))
	fmt.Fprintf(&b, " kind=%s saga_id=%s", e.Kind, e.SagaID)
	if e.PartnerID != "" {
		fmt.Fprintf(&b, " partner_id=%s", e.PartnerID)
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)

	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
		}
	}
	return b.String()
}
