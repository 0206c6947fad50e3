package logging

import "testing"

func BenchmarkAuditLog(b *testing.B) {
	CloseAll()
	CloseAudit()
	if err := Initialize(b.TempDir(), Settings{DebugMode: true}); err != nil {
		b.Fatal(err)
	}
	if err := InitAudit(); err != nil {
		b.Fatal(err)
	}
	defer CloseAudit()

	a := AuditWithRun("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.Log(AuditEvent{EventType: AuditItemStart, Line: i, Target: "folder"})
	}
}
