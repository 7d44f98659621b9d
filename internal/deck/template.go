package deck

const modelName = "Compendium Q&A"

var fieldNames = []string{"Question", "Answer", "Context", "Explanation", "Difficulty", "Source"}

const frontTemplate = `
<div class="card-front">
  <div class="question">{{Question}}</div>
  {{#Context}}
  <div class="context">Context: {{Context}}</div>
  {{/Context}}
</div>
`

const backTemplate = `
<div class="card-back">
  <div class="question">{{Question}}</div>
  <hr id="answer">
  <div class="answer">{{Answer}}</div>
  {{#Explanation}}
  <div class="explanation">
    <strong>Explanation:</strong> {{Explanation}}
  </div>
  {{/Explanation}}
  {{#Difficulty}}
  <div class="difficulty">Difficulty: {{Difficulty}}</div>
  {{/Difficulty}}
  {{#Source}}
  <div class="source">Source: {{Source}}</div>
  {{/Source}}
</div>
`

const cardCSS = `
.card {
  font-family: "Segoe UI", Tahoma, Geneva, Verdana, sans-serif;
  font-size: 20px;
  text-align: center;
  color: #333;
  background-color: #fff;
  padding: 20px;
}

.card-front, .card-back {
  max-width: 800px;
  margin: 0 auto;
}

.question {
  font-size: 24px;
  font-weight: bold;
  margin-bottom: 15px;
  color: #2c3e50;
}

.context {
  font-size: 16px;
  font-style: italic;
  color: #7f8c8d;
  margin-top: 10px;
  padding: 10px;
  background-color: #ecf0f1;
  border-radius: 5px;
}

.answer {
  font-size: 20px;
  margin: 20px 0;
  color: #27ae60;
  line-height: 1.6;
}

.explanation {
  font-size: 16px;
  color: #555;
  margin-top: 15px;
  padding: 10px;
  background-color: #f9f9f9;
  border-left: 4px solid #3498db;
  text-align: left;
}

.difficulty {
  font-size: 14px;
  color: #95a5a6;
  margin-top: 10px;
}

.source {
  font-size: 12px;
  color: #bdc3c7;
  margin-top: 10px;
  font-style: italic;
}

hr#answer {
  border: none;
  border-top: 2px solid #ecf0f1;
  margin: 20px 0;
}
`
