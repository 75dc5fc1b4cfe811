package env

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLexHappyPath(t *testing.T) {
	tokens, err := lex("TEST=*VALUE!")
	require.NoError(t, err)
	require.Len(t, tokens, 4)
	require.Equal(t, TokenIdentifier, tokens[0].Type)
	require.Equal(t, "TEST", tokens[0].Lexeme)
	require.Equal(t, TokenEqual, tokens[1].Type)
	require.Equal(t, TokenUnquotedString, tokens[2].Type)
	require.Equal(t, "*VALUE!", tokens[2].Lexeme)
	require.Equal(t, TokenEOF, tokens[3].Type)
}

func TestLexWithWhitespace(t *testing.T) {
	tokens, err := lex("    TEST  =   VALUE   ")
	require.NoError(t, err)
	require.Len(t, tokens, 4)
	require.Equal(t, "TEST", tokens[0].Lexeme)
	require.Equal(t, "VALUE", tokens[2].Lexeme)
}

func TestLexQuotedStringsWithEscapes(t *testing.T) {
	line1 := `TEST="VALUE\"\'"`
	line2 := `TEST2='VALUE2\"\''`
	tokens, err := lex(line1 + "\n" + line2)
	require.NoError(t, err)

	var dq, sq Token
	for _, tok := range tokens {
		switch tok.Type {
		case TokenDoubleQuotedString:
			dq = tok
		case TokenSingleQuotedString:
			sq = tok
		}
	}
	require.Equal(t, `VALUE\"\'`, dq.Lexeme)
	require.Equal(t, `VALUE2\"\'`, sq.Lexeme)
}

func TestLexQuotedStringsWithNewlines(t *testing.T) {
	tokens, err := lex("TEST=\"VALUE\nTEST\nANOTHER\"")
	require.NoError(t, err)
	require.Len(t, tokens, 4)
	require.Equal(t, TokenDoubleQuotedString, tokens[2].Type)
	require.Equal(t, "VALUE\nTEST\nANOTHER", tokens[2].Lexeme)
}

func TestLexComment(t *testing.T) {
	tokens, err := lex("# Test\nTEST=SOME VALUE")
	require.NoError(t, err)
	require.Equal(t, TokenEol, tokens[0].Type)
	require.Equal(t, "TEST", tokens[1].Lexeme)
	require.Equal(t, TokenEqual, tokens[2].Type)
	require.Equal(t, "SOME VALUE", tokens[3].Lexeme)
}

func TestLexInlineComment(t *testing.T) {
	tokens, err := lex("TEST=SOME VALUE #InlineComment")
	require.NoError(t, err)
	require.Equal(t, "SOME VALUE", tokens[2].Lexeme)
}

func TestParseSimplePairs(t *testing.T) {
	tokens, err := lex("A=1\nB=\"two\"\nC='three'\n")
	require.NoError(t, err)
	pairs, err := parse(tokens)
	require.NoError(t, err)
	require.Equal(t, []Pair{{"A", "1"}, {"B", "two"}, {"C", "three"}}, pairs)
}
