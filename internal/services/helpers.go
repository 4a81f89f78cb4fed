package services

import (
  "encoding/json"
  "math"

  "gorm.io/datatypes"
)

func mustJSON(v any) []byte {
  b, _ := json.Marshal(v)
  return b
}

func parseEmbedding(js datatypes.JSON) ([]float32, bool) {
  if len(js) == 0 {
    return nil, false
  }
  var v []float32
  if err := json.Unmarshal(js, &v); err != nil {
    var f64 []float64
    if err2 := json.Unmarshal(js, &f64); err2 != nil {
      return nil, false
    }
    v = make([]float32, len(f64))
    for i := range f64 {
      v[i] = float32(f64[i])
    }
  }
  if len(v) == 0 {
    return nil, false
  }
  return v, true
}

func cosine(a, b []float32) float64 {
  if len(a) != len(b) || len(a) == 0 {
    return -1
  }
  var dot, na, nb float64
  for i := range a {
    dot += float64(a[i]) * float64(b[i])
    na += float64(a[i]) * float64(a[i])
    nb += float64(b[i]) * float64(b[i])
  }
  if na == 0 || nb == 0 {
    return -1
  }
  return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func truncate(s string, n int) string {
  if len(s) <= n {
    return s
  }
  return s[:n] + "…"
}
