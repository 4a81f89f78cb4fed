package services

import (
  "fmt"
  "strings"
  "testing"

  "github.com/google/uuid"
)

func TestSegmentTextArticleStructured(t *testing.T) {
  var b strings.Builder
  for i := 1; i <= 5; i++ {
    b.WriteString(fmt.Sprintf("Artikel %d Werktijden\n", i))
    b.WriteString(strings.Repeat("De werknemer heeft recht op rust tussen diensten. ", 3))
    b.WriteString("\n")
  }

  segs := segmentText(b.String())
  if len(segs) != 5 {
    t.Fatalf("expected 5 article segments, got %d", len(segs))
  }
  for i, s := range segs {
    want := fmt.Sprintf("Artikel %d", i+1)
    if !strings.HasPrefix(s.Text, want) {
      t.Fatalf("segment %d should start with %q, got %q", i, want, s.Text[:min(40, len(s.Text))])
    }
  }
}

func TestSegmentTextFewHeadersFallsBackToParagraphs(t *testing.T) {
  // Two headers is below the article-structure threshold; paragraph split
  // should win.
  text := "Artikel 1 Inleiding\n" + strings.Repeat("tekst over de looptijd van deze overeenkomst. ", 3) +
    "\n\n" + strings.Repeat("Een tweede alinea over vakantiedagen en verlofregelingen. ", 3)

  segs := segmentText(text)
  if len(segs) != 2 {
    t.Fatalf("expected 2 paragraph segments, got %d", len(segs))
  }
}

func TestSegmentTextUnstructuredUsesSentenceWindows(t *testing.T) {
  var b strings.Builder
  for i := 0; i < maxSentenceWindow*2; i++ {
    b.WriteString(fmt.Sprintf("Dit is zin nummer %d over arbeidsvoorwaarden. ", i))
  }

  segs := segmentText(b.String())
  if len(segs) < 2 {
    t.Fatalf("expected multiple sentence-window segments, got %d", len(segs))
  }
}

func TestSegmentTextWallOfTextNeverOneOversizedSegment(t *testing.T) {
  // A long prose document with no blank lines and no article headers must
  // still come out at sentence-window granularity, one window per
  // maxSentenceWindow sentences.
  var b strings.Builder
  for i := 0; i < maxSentenceWindow*4; i++ {
    b.WriteString(fmt.Sprintf("De werkgever verstrekt de werknemer informatie over regeling %d. ", i))
  }

  segs := segmentText(b.String())
  if len(segs) != 4 {
    t.Fatalf("expected 4 sentence windows, got %d", len(segs))
  }
  for i, s := range segs {
    if got := strings.Count(s.Text, "regeling"); got != maxSentenceWindow {
      t.Fatalf("segment %d should hold %d sentences, got %d", i, maxSentenceWindow, got)
    }
  }
}

func TestParagraphSegmentsKeepShortParagraphsWhole(t *testing.T) {
  long := strings.Repeat("Een lange zin over de pensioenregeling van de sector. ", maxSentenceWindow*2)
  short := strings.Repeat("Een korte alinea over verlof. ", 2)
  segs := segmentText(long + "\n\n" + short)

  if len(segs) != 3 {
    t.Fatalf("expected 2 windows + 1 whole paragraph, got %d", len(segs))
  }
  if !strings.Contains(segs[2].Text, "verlof") {
    t.Fatalf("short paragraph should survive whole, got %q", segs[2].Text)
  }
}

func TestSegmentTextNeverEmptyForNonEmptyInput(t *testing.T) {
  segs := segmentText("kort")
  if len(segs) != 1 {
    t.Fatalf("expected single whole-text segment, got %d", len(segs))
  }
  if segs[0].Text != "kort" {
    t.Fatalf("unexpected segment text %q", segs[0].Text)
  }

  if got := segmentText("   "); len(got) != 0 {
    t.Fatalf("whitespace-only input should yield no segments, got %d", len(got))
  }
}

func TestChunkDocumentTextOrdering(t *testing.T) {
  docID := uuid.New()
  text := strings.Repeat("Eerste alinea met voldoende lengte om te behouden. ", 2) +
    "\n\n" + strings.Repeat("Tweede alinea met voldoende lengte om te behouden. ", 2)

  chunks := chunkDocumentText(docID, text)
  if len(chunks) != 2 {
    t.Fatalf("expected 2 chunks, got %d", len(chunks))
  }
  for i, ch := range chunks {
    if ch.Index != i {
      t.Fatalf("chunk %d has index %d", i, ch.Index)
    }
    if ch.DocumentID != docID {
      t.Fatalf("chunk %d has wrong document id", i)
    }
    if ch.TokenCount <= 0 {
      t.Fatalf("chunk %d has no token count", i)
    }
    if ch.ID == uuid.Nil {
      t.Fatalf("chunk %d has nil id", i)
    }
  }
}

func TestEstimateTokens(t *testing.T) {
  if got := estimateTokens(""); got != 0 {
    t.Fatalf("empty string should cost 0 tokens, got %d", got)
  }
  if got := estimateTokens("abcd"); got != 1 {
    t.Fatalf("4 chars should cost 1 token, got %d", got)
  }
  if got := estimateTokens("abcde"); got != 2 {
    t.Fatalf("5 chars should round up to 2 tokens, got %d", got)
  }
}
