package ptr

func String(v string) *string { return &v }
