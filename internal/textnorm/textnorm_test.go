package textnorm

import "testing"

func TestCleanStripsMarkup(t *testing.T) {
	got := Clean(`"<br>Готово, проверьте, пожалуйста.<br>"`)
	want := "Готово, проверьте, пожалуйста."
	if got != want {
		t.Errorf("Clean = %q, want %q", got, want)
	}
}

func TestCleanVendorTags(t *testing.T) {
	got := Clean(`<intradesk-quote author="x">цитата</intradesk-quote>ответ`)
	if got != "цитатаответ" {
		t.Errorf("vendor tags not stripped: %q", got)
	}
}

func TestCleanEntities(t *testing.T) {
	got := Clean("a &amp; b &lt;c&gt;")
	if got != "a & b <c>" {
		t.Errorf("entities not decoded: %q", got)
	}
}

func TestCleanCollapsesBlankLines(t *testing.T) {
	got := Clean("a\n\n\n\n\nb")
	if got != "a\n\nb" {
		t.Errorf("blank runs not collapsed: %q", got)
	}
}

func TestCleanEmpty(t *testing.T) {
	if Clean("") != "" {
		t.Error("Clean of empty input must be empty")
	}
	if Clean("<><><br>") != "" {
		t.Errorf("markup-only input must degrade to empty, got %q", Clean("<><><br>"))
	}
}

func TestSoft(t *testing.T) {
	got := Soft("Мне‍ НУЖНА\r\n  помощь ")
	if got != "мне нужна помощь" {
		t.Errorf("Soft = %q", got)
	}
}

func TestStrict(t *testing.T) {
	got := Strict("Мне нужна помощь, с доступом!")
	if got != "мненужнапомощьсдоступом" {
		t.Errorf("Strict = %q", got)
	}
}

func TestStrictKeepsDigits(t *testing.T) {
	if Strict("Заявка #287.") != "заявка287" {
		t.Errorf("Strict = %q", Strict("Заявка #287."))
	}
}
