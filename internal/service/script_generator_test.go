package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/slidevoice/api/internal/logging"
	"github.com/slidevoice/api/internal/model"
)

type fakeVision struct {
	configured bool
	text       string
	err        error

	system string
	prompt string
	image  []byte
}

func (f *fakeVision) VisionCompletion(ctx context.Context, system, prompt string, png []byte) (string, error) {
	f.system, f.prompt, f.image = system, prompt, png
	return f.text, f.err
}

func (f *fakeVision) IsConfigured() bool { return f.configured }

func writeSlide(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slide_1.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write slide: %v", err)
	}
	return path
}

// TestGenerateUsesModelOutput checks prompt selection and image forwarding.
func TestGenerateUsesModelOutput(t *testing.T) {
	llm := &fakeVision{configured: true, text: "  다음으로 시장 현황을 보겠습니다. 성장세가 뚜렷합니다.  "}
	g := NewScriptGenerator(llm, logging.Discard())

	got := g.Generate(context.Background(), SlideContext{
		Number:         2,
		Total:          3,
		ImagePath:      writeSlide(t),
		PreviousScript: "안녕하세요. 오늘은 신제품을 소개합니다.",
		Language:       model.LanguageKorean,
	})

	if got != "다음으로 시장 현황을 보겠습니다. 성장세가 뚜렷합니다." {
		t.Fatalf("script = %q", got)
	}
	if string(llm.image) != "png-bytes" {
		t.Fatalf("image = %q", llm.image)
	}
	if llm.system != systemPromptKorean {
		t.Fatal("expected Korean system prompt")
	}
	if !strings.Contains(llm.prompt, "2번째 슬라이드") || !strings.Contains(llm.prompt, "오늘은 신제품을 소개합니다") {
		t.Fatalf("middle prompt missing slide number or previous script:\n%s", llm.prompt)
	}
}

func TestGeneratePromptPositions(t *testing.T) {
	cases := []struct {
		name  string
		slide SlideContext
		want  string
	}{
		{"single slide is first", SlideContext{Number: 1, Total: 1, Language: model.LanguageEnglish}, "first slide"},
		{"last slide", SlideContext{Number: 4, Total: 4, Language: model.LanguageEnglish}, "last slide"},
		{"middle ordinal", SlideContext{Number: 2, Total: 4, Language: model.LanguageEnglish}, "the 2nd slide"},
		{"korean last", SlideContext{Number: 3, Total: 3, Language: model.LanguageKorean}, "마지막 슬라이드"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &fakeVision{configured: true, text: "ok"}
			tc.slide.ImagePath = writeSlide(t)
			NewScriptGenerator(llm, logging.Discard()).Generate(context.Background(), tc.slide)
			if !strings.Contains(llm.prompt, tc.want) {
				t.Fatalf("prompt does not contain %q:\n%s", tc.want, llm.prompt)
			}
		})
	}
}

// TestGenerateFallsBack checks every failure path returns the template.
func TestGenerateFallsBack(t *testing.T) {
	slide := SlideContext{Number: 1, Total: 3, Language: model.LanguageKorean}
	want := "안녕하세요. 1번째 슬라이드에 대해 발표하겠습니다. 이 내용은 중요한 포인트를 포함하고 있습니다."

	t.Run("unconfigured", func(t *testing.T) {
		llm := &fakeVision{configured: false, text: "unused"}
		s := slide
		s.ImagePath = writeSlide(t)
		if got := NewScriptGenerator(llm, logging.Discard()).Generate(context.Background(), s); got != want {
			t.Fatalf("script = %q", got)
		}
		if llm.prompt != "" {
			t.Fatal("LLM should not be called when unconfigured")
		}
	})

	t.Run("api error", func(t *testing.T) {
		llm := &fakeVision{configured: true, err: errors.New("status 500")}
		s := slide
		s.ImagePath = writeSlide(t)
		if got := NewScriptGenerator(llm, logging.Discard()).Generate(context.Background(), s); got != want {
			t.Fatalf("script = %q", got)
		}
	})

	t.Run("empty completion", func(t *testing.T) {
		llm := &fakeVision{configured: true, text: "   "}
		s := slide
		s.ImagePath = writeSlide(t)
		if got := NewScriptGenerator(llm, logging.Discard()).Generate(context.Background(), s); got != want {
			t.Fatalf("script = %q", got)
		}
	})

	t.Run("missing image", func(t *testing.T) {
		llm := &fakeVision{configured: true, text: "unused"}
		s := slide
		s.ImagePath = filepath.Join(t.TempDir(), "nope.png")
		if got := NewScriptGenerator(llm, logging.Discard()).Generate(context.Background(), s); got != want {
			t.Fatalf("script = %q", got)
		}
	})
}

func TestFallbackScript(t *testing.T) {
	cases := []struct {
		slide SlideContext
		want  string
	}{
		{SlideContext{Number: 3, Total: 3, Language: model.LanguageKorean}, "마지막으로 3번째 슬라이드에 대해 살펴보겠습니다. 발표를 마치겠습니다. 감사합니다."},
		{SlideContext{Number: 2, Total: 3, Language: model.LanguageKorean}, "다음으로 2번째 슬라이드에 대해 살펴보겠습니다. 이 부분도 중요한 내용입니다."},
		{SlideContext{Number: 1, Total: 2, Language: model.LanguageEnglish}, "Hello everyone. Let me present slide 1. This slide covers an important point."},
		{SlideContext{Number: 2, Total: 2, Language: model.LanguageEnglish}, "Finally, let's look at slide 2. That concludes my presentation. Thank you."},
	}
	for _, tc := range cases {
		if got := FallbackScript(tc.slide); got != tc.want {
			t.Errorf("FallbackScript(%d/%d %s) = %q, want %q", tc.slide.Number, tc.slide.Total, tc.slide.Language, got, tc.want)
		}
	}
}

func TestPreprocessForSpeech(t *testing.T) {
	cases := []struct {
		name string
		in   string
		lang model.Language
		want string
	}{
		{
			name: "punctuation normalized",
			in:   "“안녕하세요”!! 정말?? 좋아요….",
			lang: model.LanguageKorean,
			want: `"안녕하세요"! 정말? 좋아요.`,
		},
		{
			name: "comma before connective in long sentence",
			in:   "이번 분기 매출은 크게 성장했습니다 그리고 영업이익도 두 배로 늘었습니다.",
			lang: model.LanguageKorean,
			want: "이번 분기 매출은 크게 성장했습니다, 그리고 영업이익도 두 배로 늘었습니다.",
		},
		{
			name: "short sentence untouched",
			in:   "짧은 문장 그리고 끝",
			lang: model.LanguageKorean,
			want: "짧은 문장 그리고 끝.",
		},
		{
			name: "sentences rejoined",
			in:   "첫 문장입니다.두 번째 문장입니다!",
			lang: model.LanguageKorean,
			want: "첫 문장입니다. 두 번째 문장입니다!",
		},
		{
			name: "english passes through",
			in:   "Hello!! world",
			lang: model.LanguageEnglish,
			want: "Hello!! world",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PreprocessForSpeech(tc.in, tc.lang); got != tc.want {
				t.Fatalf("PreprocessForSpeech() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPreprocessForSpeechTopicPause(t *testing.T) {
	got := PreprocessForSpeech("그 결과는 매출이 크게 증가했다는 점을 명확하게 보여주고 있습니다 여러분", model.LanguageKorean)
	if !strings.Contains(got, "결과는, 매출이") {
		t.Fatalf("expected pause after topic: %q", got)
	}
}
