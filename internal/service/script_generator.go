package service

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/slidevoice/api/internal/model"
)

// VisionModel is the subset of the LLM client the script generator needs.
type VisionModel interface {
	VisionCompletion(ctx context.Context, system, prompt string, png []byte) (string, error)
	IsConfigured() bool
}

// SlideContext is everything known about a slide when its narration is written.
type SlideContext struct {
	Number         int
	Total          int
	ImagePath      string
	PreviousScript string
	Language       model.Language
}

func (s SlideContext) isFirst() bool { return s.Number == 1 }
func (s SlideContext) isLast() bool  { return s.Number == s.Total && s.Number != 1 }

// ScriptGenerator writes two-sentence narration for each slide image.
type ScriptGenerator struct {
	llm    VisionModel
	logger *logrus.Logger
}

func NewScriptGenerator(llm VisionModel, logger *logrus.Logger) *ScriptGenerator {
	return &ScriptGenerator{llm: llm, logger: logger}
}

// Generate returns narration for one slide. LLM errors are logged and a
// templated script in the requested language is returned instead.
func (g *ScriptGenerator) Generate(ctx context.Context, slide SlideContext) string {
	if g.llm == nil || !g.llm.IsConfigured() {
		return FallbackScript(slide)
	}

	png, err := os.ReadFile(slide.ImagePath)
	if err != nil {
		g.logger.WithError(err).WithField("slide", slide.Number).Warn("Failed to read slide image, using fallback script")
		return FallbackScript(slide)
	}

	text, err := g.llm.VisionCompletion(ctx, systemPrompt(slide.Language), userPrompt(slide), png)
	if err != nil || strings.TrimSpace(text) == "" {
		if err == nil {
			err = fmt.Errorf("empty completion")
		}
		g.logger.WithError(err).WithField("slide", slide.Number).Warn("Script generation failed, using fallback script")
		return FallbackScript(slide)
	}
	return strings.TrimSpace(text)
}

// FallbackScript is the deterministic narration used when the LLM is unavailable.
func FallbackScript(slide SlideContext) string {
	n := slide.Number
	if slide.Language == model.LanguageEnglish {
		switch {
		case slide.isFirst():
			return fmt.Sprintf("Hello everyone. Let me present slide %d. This slide covers an important point.", n)
		case slide.isLast():
			return fmt.Sprintf("Finally, let's look at slide %d. That concludes my presentation. Thank you.", n)
		default:
			return fmt.Sprintf("Next, let's look at slide %d. This part is also important.", n)
		}
	}

	switch {
	case slide.isFirst():
		return fmt.Sprintf("안녕하세요. %d번째 슬라이드에 대해 발표하겠습니다. 이 내용은 중요한 포인트를 포함하고 있습니다.", n)
	case slide.isLast():
		return fmt.Sprintf("마지막으로 %d번째 슬라이드에 대해 살펴보겠습니다. 발표를 마치겠습니다. 감사합니다.", n)
	default:
		return fmt.Sprintf("다음으로 %d번째 슬라이드에 대해 살펴보겠습니다. 이 부분도 중요한 내용입니다.", n)
	}
}

func systemPrompt(lang model.Language) string {
	if lang == model.LanguageEnglish {
		return systemPromptEnglish
	}
	return systemPromptKorean
}

func userPrompt(slide SlideContext) string {
	english := slide.Language == model.LanguageEnglish
	switch {
	case slide.isFirst():
		if english {
			return fmt.Sprintf(firstPromptEnglish, slide.Number)
		}
		return fmt.Sprintf(firstPromptKorean, slide.Number)
	case slide.isLast():
		if english {
			return fmt.Sprintf(lastPromptEnglish, slide.PreviousScript, slide.Number)
		}
		return fmt.Sprintf(lastPromptKorean, slide.PreviousScript, slide.Number)
	default:
		if english {
			return fmt.Sprintf(middlePromptEnglish, ordinal(slide.Number), slide.PreviousScript, slide.Number)
		}
		return fmt.Sprintf(middlePromptKorean, slide.Number, slide.PreviousScript, slide.Number)
	}
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

var (
	repeatedBang     = regexp.MustCompile(`!{2,}`)
	repeatedQuestion = regexp.MustCompile(`\?{2,}`)
	repeatedPeriod   = regexp.MustCompile(`\.{3,}`)
	connective       = regexp.MustCompile(`([\p{L}\p{N}_]+)(\s+)(그리고|또한|하지만|그러나|따라서|그런데)`)
	topicObject      = regexp.MustCompile(`([\p{L}\p{N}_]+[는은])(\s+)([\p{L}\p{N}_]+[을를가이])`)
)

// longSentenceRunes is the length above which pauses are inserted.
const longSentenceRunes = 30

// PreprocessForSpeech normalizes Korean narration for the speech model.
// Other languages pass through unchanged.
func PreprocessForSpeech(text string, lang model.Language) string {
	if lang != model.LanguageKorean {
		return text
	}

	text = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'", "…", "...").Replace(text)
	text = repeatedBang.ReplaceAllString(text, "!")
	text = repeatedQuestion.ReplaceAllString(text, "?")
	text = repeatedPeriod.ReplaceAllString(text, "...")

	var sentences []string
	for _, sentence := range strings.Split(text, ".") {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if utf8.RuneCountInString(sentence) > longSentenceRunes {
			sentence = connective.ReplaceAllString(sentence, "$1,$2$3")
			sentence = topicObject.ReplaceAllString(sentence, "$1,$2$3")
		}
		sentences = append(sentences, sentence)
	}

	result := strings.Join(sentences, ". ")
	if result != "" && !strings.HasSuffix(result, ".") && !strings.HasSuffix(result, "!") && !strings.HasSuffix(result, "?") {
		result += "."
	}
	return result
}

const systemPromptKorean = `당신은 경험이 풍부한 발표 전문가입니다.
다음의 전문성을 가지고 있습니다:
- 명확하고 설득력 있는 발표 스크립트 작성
- 청중의 관심을 끄는 매력적인 표현력
- 논리적이고 자연스러운 내용 연결
- 전문적이면서도 친근한 톤앤매너
- 슬라이드 이미지 내용을 정확히 파악하고 해석

발표 스크립트 작성 규칙:
1. 정확히 두 문장으로만 구성
2. 첫 번째 문장: 슬라이드 내용 소개 및 핵심 메시지 전달
3. 두 번째 문장: 구체적인 포인트나 강조사항
4. 슬라이드 이미지의 실제 내용을 바탕으로 작성
5. 자연스럽고 매력적인 한국어 표현 사용
6. 청중이 이해하기 쉬운 명확한 언어
7. 전문적이면서도 친근한 톤앤매너 유지
8. 발표에 적합한 차분하고 자신감 있는 톤
9. 적절한 속도로 말할 수 있도록 자연스러운 쉼표와 휴지 포함
10. 한국어 구두점은 영어 구두점으로 변환 (쌍따옴표, 작은따옴표 등)`

const systemPromptEnglish = `You are an experienced presentation expert with the following expertise:
- Creating clear and persuasive presentation scripts
- Engaging and captivating expression that captures audience attention
- Logical and natural content flow
- Professional yet friendly tone and manner
- Accurate understanding and interpretation of slide image content

Presentation script writing rules:
1. Compose exactly two sentences only
2. First sentence: Introduce slide content and deliver core message
3. Second sentence: Specific points or emphasis
4. Write based on actual content of slide images
5. Use natural and engaging English expressions
6. Clear language that audiences can easily understand
7. Maintain professional yet friendly tone and manner
8. Calm and confident tone suitable for presentations
9. Include natural commas and pauses for appropriate speaking pace
10. Use proper English punctuation`

const firstPromptKorean = `발표의 첫 번째 슬라이드에 대한 발표 스크립트를 작성해주세요.

슬라이드 정보:
- 슬라이드 번호: %d번째 (첫 번째 슬라이드)
- 발표 시작 부분

요구사항:
- 슬라이드 이미지의 실제 내용을 바탕으로 작성
- 인사말과 함께 슬라이드 내용을 매력적으로 소개
- 청중의 관심을 끄는 첫인상 만들기
- 발표의 전체적인 방향성 제시

발표 스크립트 (정확히 두 문장):`

const firstPromptEnglish = `Write a presentation script for the first slide of the presentation.

Slide Information:
- Slide number: %d (First slide)
- Presentation opening

Requirements:
- Write based on actual content of slide images
- Introduce slide content attractively with greetings
- Create a compelling first impression for the audience
- Present the overall direction of the presentation

Presentation script (exactly two sentences):`

const middlePromptKorean = `발표의 %d번째 슬라이드에 대한 발표 스크립트를 작성해주세요.

이전 슬라이드 내용:
%s

현재 슬라이드 정보:
- 슬라이드 번호: %d번째
- 이전 내용과의 자연스러운 연결 필요

요구사항:
- 슬라이드 이미지의 실제 내용을 바탕으로 작성
- 이전 내용과 논리적으로 연결되는 전환
- "다음으로", "이제", "또한", "더 나아가" 등의 연결어 활용
- 새로운 내용에 대한 명확한 소개
- 발표의 흐름을 유지하는 자연스러운 표현

발표 스크립트 (정확히 두 문장):`

const middlePromptEnglish = `Write a presentation script for the %s slide of the presentation.

Previous slide content:
%s

Current slide information:
- Slide number: %d
- Natural connection with previous content needed

Requirements:
- Write based on actual content of slide images
- Logical transition connecting with previous content
- Use connecting words like "Next", "Now", "Additionally", "Furthermore"
- Clear introduction of new content
- Natural expressions that maintain presentation flow

Presentation script (exactly two sentences):`

const lastPromptKorean = `발표의 마지막 슬라이드에 대한 발표 스크립트를 작성해주세요.

이전 슬라이드 내용:
%s

현재 슬라이드 정보:
- 슬라이드 번호: %d번째 (마지막 슬라이드)
- 발표 마무리 부분

요구사항:
- 슬라이드 이미지의 실제 내용을 바탕으로 작성
- 이전 내용을 자연스럽게 마무리
- "마지막으로", "결론적으로", "요약하면" 등의 마무리 표현 활용
- 발표 마무리 인사말 포함 ("발표를 마치겠습니다", "감사합니다" 등)
- 청중에게 감사 인사와 함께 발표 종료

발표 스크립트 (정확히 두 문장):`

const lastPromptEnglish = `Write a presentation script for the last slide of the presentation.

Previous slide content:
%s

Current slide information:
- Slide number: %d (Last slide)
- Presentation conclusion

Requirements:
- Write based on actual content of slide images
- Naturally conclude the previous content
- Use concluding expressions like "Finally", "In conclusion", "To summarize"
- Include closing remarks ("Thank you for your attention", "Thank you" etc.)
- End the presentation with gratitude to the audience

Presentation script (exactly two sentences):`
