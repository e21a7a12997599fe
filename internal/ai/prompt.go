package ai

import (
	"fmt"
	"strings"

	"github.com/camuig/cryptopump/internal/scanner"
)

const systemPrompt = `You are a short-term crypto trader on a spot exchange.
You receive one candidate flagged by a momentum scanner: recent closes and
indicator readings for a USDT pair. Judge the next 15 to 60 minutes.

Rules:
1. score is a number from -1 (strong downside) to 1 (strong upside); 0 means no edge.
2. Pumps often retrace: penalize exhausted moves (RSI above 80, price far above the upper band).
3. Volume confirming the move is bullish; a move on thin volume is not.
4. confidence is 0 to 100.

Answer strictly with one JSON object:
{"score": 0.35, "confidence": 60, "reasoning": "short reason"}`

// maxPromptCloses bounds how much price history goes into one prompt.
const maxPromptCloses = 30

func BuildUserPrompt(f scanner.Features) string {
	var sb strings.Builder
	c := f.Components

	sb.WriteString(fmt.Sprintf("## %s (%s)\n", f.Symbol, f.Kind))
	sb.WriteString(fmt.Sprintf("Last price: %.8g\n", f.Price))
	sb.WriteString(fmt.Sprintf("Change over window: %+.2f%%\n", c.PriceChange))
	sb.WriteString(fmt.Sprintf("Volume vs baseline: %.2fx\n\n", c.VolumeRatio))

	sb.WriteString("## Indicators\n")
	sb.WriteString("| RSI | EMA fast | EMA slow | MACD hist | Bollinger pos | ATR |\n")
	sb.WriteString("|-----|----------|----------|-----------|---------------|-----|\n")
	sb.WriteString(fmt.Sprintf("| %.1f | %.8g | %.8g | %.6g | %+.2f | %.6g |\n\n",
		c.RSI, c.EMAFast, c.EMASlow, c.MACDHistogram, c.BollingerPosition, c.ATR))

	closes := f.Closes
	if len(closes) > maxPromptCloses {
		closes = closes[len(closes)-maxPromptCloses:]
	}
	sb.WriteString(fmt.Sprintf("## Last %d closes (oldest first)\n", len(closes)))
	for i, v := range closes {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.8g", v))
	}
	sb.WriteString("\n\nAssess the candidate and answer in JSON.")

	return sb.String()
}
